package notifier

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

// testNotifier writes messages to standard error. It is always configured
// and backs smoke tests of the notification plumbing.
type testNotifier struct {
	out io.Writer
}

func init() {
	Register(MethodTest, func(_ *Config, _ *slog.Logger) (Notifier, error) {
		return &testNotifier{out: os.Stderr}, nil
	})
}

func (n *testNotifier) Notify(_ context.Context, msg string, params models.Generic) error {
	if msg == "" {
		msg = bagString(params, "msg", "")
	}

	_, err := fmt.Fprintf(n.out, " * %s\n", msg)

	return err
}
