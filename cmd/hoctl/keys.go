package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"

	"github.com/427h5dvrch-lang/human-origin/internal/crypto"
)

func cmdKeygen(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("keygen")
	force := fs.Bool("force", false, "Replace an existing device key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := openDevice(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	priv, err := crypto.GenerateDeviceKey()
	if err != nil {
		return err
	}
	return d.saveKey(priv, *force)
}

func (d *device) saveKey(priv ed25519.PrivateKey, force bool) error {
	path := d.cfg.Device.KeyPath
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("device key %s already exists, use --force to replace it", path)
	}
	if err := crypto.SaveDeviceKey(path, priv, []byte(d.cfg.Device.KeyPassphrase)); err != nil {
		return err
	}
	return printKey(priv.Public().(ed25519.PublicKey), path)
}

func printKey(pub ed25519.PublicKey, path string) error {
	authorized, err := crypto.OpenSSHPublicKey(pub)
	if err != nil {
		return err
	}
	fmt.Printf("key_id:  %s\nkey:     %s\nopenssh: %s", crypto.KeyID(pub), path, authorized)
	return nil
}

func cmdKeyShow(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("key show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := openDevice(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	signer, err := d.signer()
	if err != nil {
		return err
	}
	return printKey(signer.PublicKey(), d.cfg.Device.KeyPath)
}

func cmdKeyExport(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("key export")
	format := fs.String("format", "pem", "Export format: pem, pkcs12 or openssh (public key only)")
	out := fs.StringP("out", "o", "", "Output file (stdout when empty, except pkcs12)")
	password := fs.String("password", "", "PKCS#12 bundle password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := openDevice(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	priv, err := crypto.LoadDeviceKey(d.cfg.Device.KeyPath, []byte(d.cfg.Device.KeyPassphrase))
	if err != nil {
		return err
	}

	var data []byte
	switch *format {
	case "pem":
		s, err := crypto.ExportPEM(priv)
		if err != nil {
			return err
		}
		data = []byte(s)
	case "pkcs12":
		if *out == "" {
			return fmt.Errorf("%w: --out is required for pkcs12", errUsage)
		}
		if data, err = crypto.ExportPKCS12(priv, *password); err != nil {
			return err
		}
	case "openssh":
		s, err := crypto.OpenSSHPublicKey(priv.Public().(ed25519.PublicKey))
		if err != nil {
			return err
		}
		data = []byte(s)
	default:
		return fmt.Errorf("%w: unknown format %q", errUsage, *format)
	}

	if *out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(*out, data, 0o600)
}

func cmdKeyImport(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("key import")
	format := fs.String("format", "openssh", "Import format: openssh, pem or pkcs12")
	in := fs.StringP("in", "i", "", "Key file to import")
	password := fs.String("password", "", "Passphrase of the OpenSSH key or PKCS#12 bundle")
	force := fs.Bool("force", false, "Replace an existing device key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("%w: --in is required", errUsage)
	}
	d, err := openDevice(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	data, err := os.ReadFile(*in)
	if err != nil {
		return err
	}

	var priv ed25519.PrivateKey
	switch *format {
	case "openssh":
		priv, err = crypto.ImportOpenSSHKey(data, []byte(*password))
		if errors.Is(err, crypto.ErrPassphrase) {
			return fmt.Errorf("%s is encrypted: pass --password", *in)
		}
	case "pem":
		priv, err = crypto.ParsePEMKey(data)
	case "pkcs12":
		priv, _, err = crypto.ParsePKCS12(data, *password)
	default:
		return fmt.Errorf("%w: unknown format %q", errUsage, *format)
	}
	if err != nil {
		return err
	}
	return d.saveKey(priv, *force)
}
