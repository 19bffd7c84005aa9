package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/prometheus/common/config"
)

// Generic is a map to store mixed data types, used for the free form
// parameter bags of notification methods. Only string and int values are
// supported; any number is converted into int64.
// Ref: https://husobee.github.io/golang/database/2015/06/12/scanner-valuer.html
type Generic map[string]interface{}

// Value implements Valuer interface
func (g Generic) Value() (driver.Value, error) {
	generic, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}

	return driver.Value(string(generic)), nil
}

// Scan implements Scanner interface
func (g *Generic) Scan(v interface{}) error {
	if v == nil {
		return nil
	}

	var d *json.Decoder

	switch data := v.(type) {
	case string:
		d = json.NewDecoder(bytes.NewReader([]byte(data)))
	case []byte:
		d = json.NewDecoder(bytes.NewReader(data))
	default:
		return fmt.Errorf("cannot scan type %T into Generic", v)
	}

	// Decode numbers with json.Number so integer values survive the trip
	// through SQLite as int64 instead of float64.
	var tmp map[string]interface{}

	d.UseNumber()

	if err := d.Decode(&tmp); err != nil {
		return err
	}

	for k := range tmp {
		if n, ok := tmp[k].(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				tmp[k] = i
			}
		}
	}

	*g = tmp

	return nil
}

// Value implements Valuer interface. The task document is stored as a JSON
// text column of the job record.
func (t Task) Value() (driver.Value, error) {
	task, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}

	return driver.Value(string(task)), nil
}

// Scan implements Scanner interface
func (t *Task) Scan(v interface{}) error {
	if v == nil {
		return nil
	}

	switch data := v.(type) {
	case string:
		return json.Unmarshal([]byte(data), t)
	case []byte:
		return json.Unmarshal(data, t)
	default:
		return fmt.Errorf("cannot scan type %T into Task", v)
	}
}

// WebConfig contains the client related configuration of the SLURM REST API
// server (slurmrestd).
type WebConfig struct {
	URL              string                  `yaml:"url"`
	HTTPClientConfig config.HTTPClientConfig `yaml:",inline"`
}

// SetDirectory joins any relative file paths with dir.
func (c *WebConfig) SetDirectory(dir string) {
	c.HTTPClientConfig.SetDirectory(dir)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *WebConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain WebConfig

	*c = WebConfig{
		HTTPClientConfig: config.DefaultHTTPClientConfig,
	}

	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	// The UnmarshalYAML method of HTTPClientConfig is not being called because it's not a pointer.
	// We cannot make it a pointer as the parser panics for inlined pointer structs.
	// Thus we just do its validation here.
	return c.HTTPClientConfig.Validate()
}
