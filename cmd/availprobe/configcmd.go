package main

import (
	"fmt"
	"io"

	"github.com/hazz-dev/availprobe/internal/config"
)

func executeConfig(out io.Writer, cfg *config.Config) error {
	red := cfg.Redacted()
	b, err := red.YAML()
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(out, string(b))
	return err
}
