package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/chain"
	"github.com/427h5dvrch-lang/human-origin/internal/client"
	"github.com/427h5dvrch-lang/human-origin/internal/localdb"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
	"github.com/427h5dvrch-lang/human-origin/internal/queue"
)

func cmdFlush(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("flush")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := openDevice(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.identity(ctx)
	if err != nil {
		return err
	}
	sc, err := client.Capture(ctx, d.store, id)
	if err != nil {
		return err
	}

	res, err := d.queue.Flush(ctx, id.UserID, d.authority(id.Token), sc.Checker(d.store))
	fmt.Printf("delivered %d, failed %d, pending %d\n", res.Delivered, res.Failed, res.Pending)
	switch {
	case errors.Is(err, queue.ErrUndelivered):
		return fmt.Errorf("%w; run 'hoctl flush' again later", err)
	case errors.Is(err, queue.ErrHalted):
		return fmt.Errorf("%w; run 'hoctl login' and flush again", err)
	case errors.Is(err, queue.ErrRejected):
		return fmt.Errorf("%w; inspect it with 'hoctl queue list --failed', then retry or drop it", err)
	}
	return err
}

func cmdQueueList(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("queue list")
	failed := fs.Bool("failed", false, "List rejected entries instead of pending ones")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := openDevice(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.identity(ctx)
	if err != nil {
		return err
	}
	state := queue.StatePending
	if *failed {
		state = queue.StateFailed
	}
	entries, err := d.queue.List(ctx, id.UserID, state)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOP\tENQUEUED\tATTEMPTS\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", e.ID, e.Op, protocol.FormatTime(e.EnqueuedAt), e.Attempts, e.LastError)
	}
	return w.Flush()
}

func cmdQueueRetry(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("queue retry")
	entryID := fs.Int64("id", 0, "Entry to move back to pending (all failed entries when 0)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := openDevice(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.identity(ctx)
	if err != nil {
		return err
	}
	n, err := d.queue.Retry(ctx, id.UserID, *entryID)
	if err != nil {
		return err
	}
	fmt.Printf("%d entries pending again\n", n)
	return nil
}

func cmdQueueDrop(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("queue drop")
	entryID := fs.Int64("id", 0, "Failed entry to discard")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *entryID == 0 {
		return fmt.Errorf("%w: --id is required", errUsage)
	}
	d, err := openDevice(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.identity(ctx)
	if err != nil {
		return err
	}
	if err := d.queue.Discard(ctx, id.UserID, *entryID); err != nil {
		return err
	}
	fmt.Printf("entry %d discarded\n", *entryID)
	return nil
}

func cmdMaster(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("master")
	project := fs.String("project", "", "Project name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := openDevice(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.identity(ctx)
	if err != nil {
		return err
	}
	p, err := d.project(ctx, id.UserID, *project)
	if err != nil {
		return err
	}
	master, err := d.authority(id.Token).Master(ctx, p.ID)
	if err != nil {
		return err
	}
	recorded := localdb.RecordedMaster{Hash: master.MasterHash, Sessions: master.Sessions}
	if err := d.store.SetMasterHash(ctx, id.UserID, p.ID, recorded); err != nil {
		return err
	}
	return printJSON(master)
}

// verification holds the device's own verdict next to the authority's.
type verification struct {
	Device    chain.Report `json:"device"`
	Authority chain.Report `json:"authority"`
}

func cmdVerify(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("verify")
	project := fs.String("project", "", "Project name")
	masterHash := fs.String("master-hash", "", "Expected master hash (default: the one recorded by 'hoctl master')")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := openDevice(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.identity(ctx)
	if err != nil {
		return err
	}
	p, err := d.project(ctx, id.UserID, *project)
	if err != nil {
		return err
	}

	authority := d.authority(id.Token)
	rows, err := authority.Chain(ctx, p.ID)
	if err != nil {
		return err
	}
	expected := *masterHash
	if expected == "" {
		if expected, err = d.recordedMaster(ctx, id.UserID, p.ID, len(rows)); err != nil {
			return err
		}
	}

	var v verification
	v.Device = chain.Verify(p.ID, rows, chain.VerifyOptions{ExpectedMasterHash: expected})
	if v.Authority, err = authority.Verify(ctx, p.ID, expected); err != nil {
		return err
	}

	if err := printJSON(v); err != nil {
		return err
	}
	if !v.Device.OK || !v.Authority.OK {
		return errFailed
	}
	return nil
}

// recordedMaster returns the master hash recorded for a project, or "" when
// none was recorded or the chain has grown past it since.
func (d *device) recordedMaster(ctx context.Context, userID, projectID string, rows int) (string, error) {
	m, ok, err := d.store.MasterHash(ctx, userID, projectID)
	if err != nil || !ok {
		return "", err
	}
	if rows > m.Sessions {
		d.logger.Info("Recorded master hash predates newer certificates, run 'hoctl master' to refresh it",
			zap.Int("recorded_sessions", m.Sessions), zap.Int("sessions", rows))
		return "", nil
	}
	return m.Hash, nil
}
