package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/extmgr"
	"github.com/loykin/extmgr/internal/logger"
	"github.com/loykin/extmgr/internal/naming"
	"github.com/loykin/extmgr/pkg/client"
	"github.com/olekukonko/tablewriter"
)

const defaultAPIUrl = "http://127.0.0.1:8080/api"

type command struct {
	out io.Writer
}

// resolveAPIUrl picks --api-url, else the server section of --config, else
// the default local address.
func resolveAPIUrl(g GlobalFlags) (string, error) {
	if g.APIUrl != "" {
		return g.APIUrl, nil
	}
	if g.ConfigPath == "" {
		return defaultAPIUrl, nil
	}
	cfg, err := extmgr.LoadConfig(g.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	scheme := "http"
	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, dialHost(cfg.Server.Listen), cfg.Server.BasePath), nil
}

// dialHost turns a listen address such as ":8080" or "0.0.0.0:8080" into
// one a client can dial.
func dialHost(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (c *command) client(g GlobalFlags) (*client.Client, error) {
	base, err := resolveAPIUrl(g)
	if err != nil {
		return nil, err
	}
	cfg := client.Config{
		BaseURL:  base,
		Timeout:  g.APITimeout,
		Logger:   logger.Discard(),
		Insecure: g.Insecure,
	}
	if g.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: g.CACert}
	}
	return client.New(cfg)
}

func (c *command) List(ctx context.Context, g GlobalFlags, f ListFlags) error {
	cl, err := c.client(g)
	if err != nil {
		return err
	}
	exts, err := cl.List(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return c.printJSON(exts)
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "NAME", "VERSION", "RUNNING")
	for _, e := range exts {
		_ = table.Append(e.ID, e.Name, e.Version, strconv.FormatBool(e.Running))
	}
	return table.Render()
}

func (c *command) Install(ctx context.Context, g GlobalFlags, path string, f InstallFlags) error {
	cl, err := c.client(g)
	if err != nil {
		return err
	}
	res, err := cl.InstallFile(ctx, path, installName(path, f))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "installed %s\n", res.ID)
	for _, r := range res.Replaced {
		_, _ = fmt.Fprintf(c.out, "replaced %s (version %s)\n", r.ID, r.Version)
	}
	return nil
}

// installName is the target file name: --name or the file's base name, with
// its version replaced by --version when given.
func installName(path string, f InstallFlags) string {
	name := f.Name
	if name == "" {
		name = filepath.Base(path)
	}
	if f.Version == "" {
		return name
	}
	return naming.Build(naming.BaseName(name), f.Version, filepath.Ext(name))
}

func (c *command) Run(ctx context.Context, g GlobalFlags, id string) error {
	cl, err := c.client(g)
	if err != nil {
		return err
	}
	if err := cl.Run(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "started %s\n", id)
	return nil
}

func (c *command) Stop(ctx context.Context, g GlobalFlags, id string) error {
	cl, err := c.client(g)
	if err != nil {
		return err
	}
	if err := cl.Stop(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "stopped %s\n", id)
	return nil
}

func (c *command) Delete(ctx context.Context, g GlobalFlags, id string) error {
	cl, err := c.client(g)
	if err != nil {
		return err
	}
	if err := cl.Delete(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "deleted %s\n", id)
	return nil
}

func (c *command) Status(ctx context.Context, g GlobalFlags, id string, f StatusFlags) error {
	cl, err := c.client(g)
	if err != nil {
		return err
	}
	status := cl.Status
	if f.History {
		status = cl.StatusWithHistory
	}
	st, err := status(ctx, id)
	if err != nil {
		return err
	}
	if f.JSON {
		return c.printJSON(st)
	}
	lines := [][2]string{
		{"ID", st.ID},
		{"Name", st.Name},
		{"Version", st.Version},
		{"State", st.State},
	}
	if st.PID > 0 {
		lines = append(lines, [2]string{"PID", strconv.Itoa(st.PID)})
	}
	if st.StartedAt != nil {
		lines = append(lines, [2]string{"Started", st.StartedAt.Local().Format(time.RFC3339)})
	}
	if st.Exit != nil {
		lines = append(lines, [2]string{"Exit", st.Exit.Desc})
	}
	if u := st.Usage; u != nil {
		lines = append(lines,
			[2]string{"CPU", strconv.FormatFloat(u.CPUPercent, 'f', 1, 64) + "%"},
			[2]string{"Memory RSS", strconv.FormatUint(u.MemoryRSS, 10)},
			[2]string{"Threads", strconv.Itoa(int(u.NumThreads))},
		)
	}
	if f.History && len(st.UsageHistory) > 0 {
		lines = append(lines, [2]string{"Samples", strconv.Itoa(len(st.UsageHistory))})
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Property", "Value")
	for _, l := range lines {
		_ = table.Append([]string{l[0], l[1]})
	}
	return table.Render()
}

// Events tails the crash stream until ctx is cancelled.
func (c *command) Events(ctx context.Context, g GlobalFlags, f EventsFlags) error {
	cl, err := c.client(g)
	if err != nil {
		return err
	}
	var werr error
	err = cl.Events(ctx, func(cr client.Crash) {
		if werr != nil {
			return
		}
		if f.JSON {
			werr = json.NewEncoder(c.out).Encode(cr)
			return
		}
		_, werr = fmt.Fprintf(c.out, "%s  %s  %s\n",
			cr.OccurredAt.Local().Format(time.RFC3339), cr.ID, strings.TrimSpace(cr.Message))
	})
	if err != nil {
		return err
	}
	return werr
}

func (c *command) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
