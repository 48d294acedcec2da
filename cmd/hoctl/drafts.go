package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	flag "github.com/spf13/pflag"

	"github.com/427h5dvrch-lang/human-origin/internal/client"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

// drafts opens the draft store with the device key.
func (d *device) drafts() (*client.Drafts, error) {
	priv, err := d.deviceKey()
	if err != nil {
		return nil, err
	}
	return client.NewDrafts(d.store, priv, d.logger)
}

// openDrafts parses args and returns the device, the signed in identity and
// the draft store. The caller closes the device.
func openDrafts(ctx context.Context, name string, args []string, setup func(fs *flag.FlagSet)) (*device, client.Identity, *client.Drafts, error) {
	fs, flags := newFlagSet(name)
	if setup != nil {
		setup(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, client.Identity{}, nil, err
	}
	d, err := openDevice(ctx, flags)
	if err != nil {
		return nil, client.Identity{}, nil, err
	}
	id, err := d.identity(ctx)
	if err != nil {
		d.Close()
		return nil, client.Identity{}, nil, err
	}
	drafts, err := d.drafts()
	if err != nil {
		d.Close()
		return nil, client.Identity{}, nil, err
	}
	return d, id, drafts, nil
}

func cmdDraftSave(ctx context.Context, args []string) error {
	var sessionID, in *string
	d, id, drafts, err := openDrafts(ctx, "draft save", args, func(fs *flag.FlagSet) {
		sessionID = fs.String("session", "", "Session id")
		in = fs.String("in", "-", "File holding the draft, - for stdin")
	})
	if err != nil {
		return err
	}
	defer d.Close()
	if *sessionID == "" {
		return fmt.Errorf("%w: --session is required", errUsage)
	}

	var content []byte
	if *in == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(*in)
	}
	if err != nil {
		return fmt.Errorf("read draft: %w", err)
	}
	if err := drafts.Save(ctx, id, *sessionID, content); err != nil {
		return err
	}
	fmt.Printf("draft of %s saved (%d bytes)\n", *sessionID, len(content))
	return nil
}

func cmdDraftShow(ctx context.Context, args []string) error {
	var sessionID, out *string
	d, id, drafts, err := openDrafts(ctx, "draft show", args, func(fs *flag.FlagSet) {
		sessionID = fs.String("session", "", "Session id")
		out = fs.String("out", "-", "Output file, - for stdout")
	})
	if err != nil {
		return err
	}
	defer d.Close()
	if *sessionID == "" {
		return fmt.Errorf("%w: --session is required", errUsage)
	}

	content, err := drafts.Load(ctx, id, *sessionID)
	if err != nil {
		return err
	}
	if *out == "-" {
		_, err = os.Stdout.Write(content)
		return err
	}
	return os.WriteFile(*out, content, 0o600)
}

func cmdDraftList(ctx context.Context, args []string) error {
	d, id, drafts, err := openDrafts(ctx, "draft list", args, nil)
	if err != nil {
		return err
	}
	defer d.Close()

	list, err := drafts.List(ctx, id)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPROJECT\tUPDATED\tBYTES")
	for _, info := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", info.SessionID, info.ProjectName, protocol.FormatTime(info.UpdatedAt), info.Size)
	}
	return w.Flush()
}

func cmdDraftDelete(ctx context.Context, args []string) error {
	var sessionID *string
	d, id, drafts, err := openDrafts(ctx, "draft delete", args, func(fs *flag.FlagSet) {
		sessionID = fs.String("session", "", "Session id")
	})
	if err != nil {
		return err
	}
	defer d.Close()
	if *sessionID == "" {
		return fmt.Errorf("%w: --session is required", errUsage)
	}
	return drafts.Delete(ctx, id, *sessionID)
}
