package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	signerapi "github.com/aegis-sign/psbt-signer/internal/api"
	"github.com/aegis-sign/psbt-signer/pkg/psbtcodec"
)

const defaultSignTimeout = 10 * time.Second

func signCommand(c *cli.Context) error {
	enc, err := psbtcodec.NormalizeEncoding(c.String("encoding"))
	if err != nil {
		return err
	}
	text, err := readInput(c.String("in"), c.App.Reader)
	if err != nil {
		return err
	}
	packet, err := psbtcodec.Decode(text, enc)
	if err != nil {
		return err
	}
	raw, err := psbtcodec.EncodeBinary(packet)
	if err != nil {
		return err
	}

	conn, err := signerapi.Dial(c.String("endpoint"))
	if err != nil {
		return fmt.Errorf("dial signer: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	signed, err := signerapi.NewSignerClient(conn).SignPsbt(ctx, raw)
	if err != nil {
		return fmt.Errorf("sign psbt: %s", signerapi.APIError(err).Describe())
	}
	out, err := psbtcodec.DecodeBinary(signed)
	if err != nil {
		return err
	}
	result, err := psbtcodec.Encode(out, enc)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, result)
	return err
}

func readInput(path string, stdin io.Reader) (string, error) {
	if path == "" || path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		raw, err := io.ReadAll(stdin)
		return string(raw), err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read psbt: %w", err)
	}
	return string(raw), nil
}
