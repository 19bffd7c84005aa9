// Package catalog holds the task catalog: the set of named task templates
// clients are allowed to submit. Every submission names a catalog entry; the
// entry contributes the default command line and the default notification
// policy, both of which a task may extend but never shrink.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

var (
	// ErrUnknownTask is returned when the task name is not in the catalog.
	ErrUnknownTask = errors.New("unknown task name")

	// ErrNoCommand is returned when neither the task nor its catalog entry
	// carries a command.
	ErrNoCommand = errors.New("task has no command")
)

// Policy is a notification policy: which methods fire on a terminal state
// transition and the per method parameter bags.
type Policy struct {
	Methods []string                  `yaml:"methods" json:"methods"`
	Params  map[string]models.Generic `yaml:"params"  json:"params"`
}

// Entry describes one catalog task.
type Entry struct {
	Cmd           string   `yaml:"cmd"            json:"cmd,omitempty"`
	DefaultParams []string `yaml:"default_params" json:"default_params,omitempty"`
	Description   string   `yaml:"description"    json:"description"`
	Notification  Policy   `yaml:"notification"   json:"notification"`
}

// Catalog is the process wide task catalog, read-only after New.
type Catalog struct {
	entries map[string]Entry
}

// builtin returns the entries every proxy instance ships with.
func builtin() map[string]Entry {
	return map[string]Entry{
		"echo_hello_world": {
			Cmd:           "echo",
			DefaultParams: []string{"-e", "\"hello, world! (sent job $SLURM_JOB_ID to $SLURM_JOB_USER at `date`)\""},
			Description:   "Prints a generic hello world! message",
			Notification: Policy{
				Methods: []string{"test", "email", "gmail", "slack", "rabbitmq"},
				Params: map[string]models.Generic{
					"test": {},
					"email": {
						"sender":    "areynolds@altius.org",
						"recipient": "areynolds@altius.org",
						"subject":   "Hello World",
						"body":      "Hello World!",
					},
					"slack": {
						"msg":     "Hello World!",
						"channel": "general",
					},
					"rabbitmq": {
						"queue":       "hello_world_queue",
						"exchange":    "",
						"routing_key": "hello_world",
						"body":        "Hello World!",
					},
				},
			},
		},
		"generic": {
			Description: "A generic task that can be used to run any command. No notification methods are specified.",
			Notification: Policy{
				Methods: []string{},
				Params:  map[string]models.Generic{},
			},
		},
	}
}

// New returns the catalog made of the built-in entries plus extra ones from
// the config file. Extra entries may not shadow built-ins: templates clients
// already rely on must stay stable across deployments.
func New(extra map[string]Entry) (*Catalog, error) {
	entries := builtin()

	for name, entry := range extra {
		if _, ok := entries[name]; ok {
			return nil, fmt.Errorf("catalog entry %s shadows a built-in entry", name)
		}

		entries[name] = entry
	}

	return &Catalog{entries: entries}, nil
}

// Lookup returns the entry registered under name.
func (c *Catalog) Lookup(name string) (Entry, error) {
	entry, ok := c.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	return entry, nil
}

// Names returns all entry names in lexical order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Command builds the command line of the task: the task level command when
// set, else the catalog command, followed by the catalog default params and
// then the task params, joined by single spaces.
func (c *Catalog) Command(task *models.Task) (string, error) {
	entry, err := c.Lookup(task.Name)
	if err != nil {
		return "", err
	}

	cmd := task.Cmd
	if cmd == "" {
		cmd = entry.Cmd
	}

	if cmd == "" {
		return "", fmt.Errorf("%w: %s", ErrNoCommand, task.Name)
	}

	parts := append([]string{cmd}, entry.DefaultParams...)
	parts = append(parts, task.Params...)

	return strings.Join(parts, " "), nil
}

// EffectivePolicy merges the catalog policy of the task's entry with the
// task level override. Tasks can add methods and overlay individual params;
// they can never remove a method the catalog prescribes. The catalog itself
// is never mutated.
func (c *Catalog) EffectivePolicy(task *models.Task) (Policy, error) {
	entry, err := c.Lookup(task.Name)
	if err != nil {
		return Policy{}, err
	}

	merged := Policy{
		Methods: append([]string{}, entry.Notification.Methods...),
		Params:  make(map[string]models.Generic, len(entry.Notification.Params)),
	}

	for method, bag := range entry.Notification.Params {
		merged.Params[method] = copyBag(bag)
	}

	if task.Notification == nil {
		return merged, nil
	}

	for _, method := range task.Notification.Methods {
		if !slices.Contains(merged.Methods, method) {
			merged.Methods = append(merged.Methods, method)
		}
	}

	for method, bag := range task.Notification.Params {
		target, ok := merged.Params[method]
		if !ok {
			target = models.Generic{}
			merged.Params[method] = target
		}

		for key, value := range bag {
			target[key] = value
		}
	}

	return merged, nil
}

func copyBag(bag models.Generic) models.Generic {
	copied := make(models.Generic, len(bag))
	for key, value := range bag {
		copied[key] = value
	}

	return copied
}
