package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/427h5dvrch-lang/human-origin/internal/canon"
	"github.com/427h5dvrch-lang/human-origin/internal/client"
	"github.com/427h5dvrch-lang/human-origin/internal/localdb"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

func cmdLogin(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("login")
	username := fs.StringP("username", "u", "", "Account name")
	password := fs.StringP("password", "p", "", "Account password (prefer --password-stdin)")
	passwordStdin := fs.Bool("password-stdin", false, "Read the password from stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return fmt.Errorf("%w: --username is required", errUsage)
	}
	if *passwordStdin {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		*password = strings.TrimRight(line, "\r\n")
	}
	if *password == "" {
		return fmt.Errorf("%w: a password is required", errUsage)
	}

	d, err := openDevice(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	resp, err := d.authority("").Login(ctx, *username, *password)
	if err != nil {
		return err
	}
	if _, err := client.SaveIdentity(ctx, d.store, client.Identity{
		UserID:    resp.UserID,
		Username:  *username,
		Token:     resp.Token,
		ExpiresAt: resp.ExpiresAt,
	}); err != nil {
		return err
	}
	fmt.Printf("Logged in as %s (%s), token valid until %s\n", *username, resp.UserID, resp.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func cmdLogout(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("logout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := openDevice(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	_, err = client.ClearIdentity(ctx, d.store)
	return err
}

func cmdWhoami(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("whoami")
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
	pending, err := d.queue.Pending(ctx, id.UserID)
	if err != nil {
		return err
	}
	fmt.Printf("user:      %s (%s)\nauthority: %s\npending:   %d\n", id.Username, id.UserID, d.cfg.Device.AuthorityURL, pending)
	return nil
}

func cmdProjectInit(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("project init")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: project init takes one NAME", errUsage)
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
	p, err := client.NewRecorder(d.store, d.queue, d.logger).InitProject(ctx, id, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Println(p.ID)
	return nil
}

func cmdProjectList(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("project list")
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
	projects, err := d.store.ListProjects(ctx, id.UserID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tCREATED")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.ID, protocol.FormatTime(p.CreatedAt))
	}
	return w.Flush()
}

func cmdSessionStart(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("session start")
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
	s, err := client.NewRecorder(d.store, d.queue, d.logger).Start(ctx, id, p.ID)
	if err != nil {
		return err
	}
	fmt.Println(s.ID)
	return nil
}

func cmdSessionStop(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("session stop")
	sessionID := fs.String("session", "", "Session id (the running session when empty)")
	var sum client.Summary
	fs.Int64Var(&sum.ActiveMS, "active-ms", 0, "Active writing time in milliseconds")
	fs.Int64Var(&sum.IdleMS, "idle-ms", 0, "Idle time in milliseconds")
	fs.Int64Var(&sum.EventsCount, "events", 0, "Number of captured input events")
	fs.Int64Var(&sum.SCPScore, "scp", 0, "SCP score")
	fs.Int64Var(&sum.EvidenceScore, "evidence", 0, "Evidence score")
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
	if *sessionID == "" {
		running, err := d.store.RunningSession(ctx, id.UserID)
		if err != nil {
			return fmt.Errorf("no running session: %w", err)
		}
		*sessionID = running.ID
	}

	s, err := client.NewRecorder(d.store, d.queue, d.logger).Stop(ctx, id, *sessionID, sum)
	if err != nil {
		return err
	}
	fmt.Printf("%s stopped after %s\n", s.ID, s.EndedAt.Time.Sub(s.StartedAt).Round(time.Second))
	return nil
}

func cmdSessionList(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("session list")
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
	sessions, err := d.store.ListSessions(ctx, id.UserID, p.ID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tSTATUS\tSCP\tEVIDENCE\tCERTIFICATE")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, protocol.FormatTime(s.StartedAt), s.Status, s.SCPScore, s.EvidenceScore, s.CertID)
	}
	return w.Flush()
}

func cmdCertify(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("certify")
	sessionID := fs.String("session", "", "Session id")
	project := fs.String("project", "", "Certify the latest stopped session of this project")
	diagJSON := fs.String("diag", "", "Diagnostic JSON object embedded in the certificate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var diag *canon.Value
	if *diagJSON != "" {
		v, err := canon.Parse([]byte(*diagJSON))
		if err != nil {
			return fmt.Errorf("invalid --diag: %w", err)
		}
		diag = &v
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
	if *sessionID == "" {
		s, err := d.latestStopped(ctx, id.UserID, *project)
		if err != nil {
			return err
		}
		*sessionID = s.ID
	}
	signer, err := d.signer()
	if err != nil {
		return err
	}

	sc, err := client.Capture(ctx, d.store, id)
	if err != nil {
		return err
	}
	sc.SessionID = *sessionID

	authority := d.authority(id.Token)
	heads := client.NewHeads(authority, d.store, d.queue, id.UserID, d.logger)
	res, err := client.NewCertifier(authority, heads, signer, d.store, d.queue, d.store, d.logger).Certify(ctx, sc, diag)
	if err != nil {
		return err
	}

	fmt.Printf("cert_id:      %s\nsession_id:   %s\npayload_hash: %s\nissued_at:    %s\nsource:       %s\n",
		res.CertID, res.SessionID, res.PayloadHash, protocol.FormatTime(res.IssuedAt), res.Source)
	if res.AuthorityKeyID != "" {
		fmt.Printf("authority:    %s\n", res.AuthorityKeyID)
	} else {
		fmt.Println("The authority was unreachable; the certificate is queued. Run 'hoctl flush' once it is back.")
	}
	return nil
}

func (d *device) latestStopped(ctx context.Context, userID, project string) (*localdb.Session, error) {
	p, err := d.project(ctx, userID, project)
	if err != nil {
		return nil, fmt.Errorf("%w (or pass --session)", err)
	}
	sessions, err := d.store.ListSessions(ctx, userID, p.ID)
	if err != nil {
		return nil, err
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i].Status == protocol.StatusStopped {
			return sessions[i], nil
		}
	}
	return nil, fmt.Errorf("project %q has no stopped session to certify", project)
}
