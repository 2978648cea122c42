package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/acme/expediente/client"
)

func newClient(c *cli.Context) (*client.Client, error) {
	return client.New(c.String(flagURL), c.String(flagToken))
}

func startProcess(c *cli.Context) error {
	vars, err := parseVars(c.StringSlice(flagVar))
	if err != nil {
		return err
	}
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	res, err := cl.StartProcess(c.Context, c.String(flagProcessID), vars)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func deployProcess(c *cli.Context) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	res, err := cl.DeployProcess(c.Context, c.String(flagName))
	if err != nil {
		return err
	}
	return printJSON(res)
}

// parseVars turns key=value pairs into variables. Values that parse as a JSON
// number, boolean or null keep that type; anything else is a string.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --%s %q, want key=value", flagVar, p)
		}
		vars[k] = scalar(v)
	}
	return vars, nil
}

func scalar(v string) any {
	dec := json.NewDecoder(strings.NewReader(v))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil || dec.More() {
		return v
	}
	switch out.(type) {
	case nil, bool, json.Number, string:
		return out
	default:
		return v
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
