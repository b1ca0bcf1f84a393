package main

import (
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

func newEndpointCommand(a *app) *cobra.Command {
	var qr bool
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Print the resolved host endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			a.settings.writeEndpoints(w)
			if qr {
				return writeQR(w, a.settings.resolved.Endpoint)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&qr, "qr", false, "Also print the HTTP endpoint as a QR code")
	return cmd
}

func (s *settings) writeEndpoints(w io.Writer) {
	mode := "production"
	if s.cfg.IsDev() {
		mode = "development"
	}

	ws := s.wsEndpoint()
	if s.resolved.WSEndpoint == "" {
		ws += fmt.Sprintf(" (derived from origin %s)", s.origin)
	}

	fmt.Fprintf(w, "Build:       %s\n", mode)
	fmt.Fprintf(w, "Base path:   %s\n", s.resolved.BasePath)
	fmt.Fprintf(w, "HTTP:        %s\n", s.resolved.Endpoint)
	fmt.Fprintf(w, "WebSocket:   %s\n", ws)

	id := s.resolved.Identity
	if id.Present() {
		fmt.Fprintf(w, "Host:        node=%s process=%s\n", id.Node, id.Process)
	} else {
		fmt.Fprintf(w, "Host:        not present (%s missing)\n", id.Missing())
	}
}

// writeQR prints payload as a compact QR code.
func writeQR(w io.Writer, payload string) error {
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generate QR code: %w", err)
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintf(w, "  %s\n", payload)
	return nil
}
