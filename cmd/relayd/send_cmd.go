package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/relayd"
	"pkt.systems/relayd/api"
	"pkt.systems/relayd/client"
	"pkt.systems/relayd/internal/correlation"
)

type sendFunc func(ctx context.Context, relay *relayd.Relay, raw []byte) (*relayd.Result, error)

type postFunc func(ctx context.Context, sdk *client.Client, raw []byte) (*api.DispatchResponse, error)

func newSendCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Dispatch a single record in-process or through a running server",
	}
	cmd.PersistentFlags().String("server", "", "base URL of a running relayd server; records are posted there instead of dispatched in-process")
	cmd.AddCommand(
		newSendRecordCommand(c, "identify", "Upsert a user profile",
			func(ctx context.Context, r *relayd.Relay, raw []byte) (*relayd.Result, error) {
				var rec api.Identify
				if err := decodeRecord(raw, &rec); err != nil {
					return nil, err
				}
				return r.UpsertProfile(ctx, rec)
			},
			func(ctx context.Context, sdk *client.Client, raw []byte) (*api.DispatchResponse, error) {
				var rec api.Identify
				if err := decodeRecord(raw, &rec); err != nil {
					return nil, err
				}
				return sdk.Identify(ctx, rec)
			}),
		newSendRecordCommand(c, "group", "Upsert a company and attach its member user",
			func(ctx context.Context, r *relayd.Relay, raw []byte) (*relayd.Result, error) {
				var rec api.Group
				if err := decodeRecord(raw, &rec); err != nil {
					return nil, err
				}
				return r.UpsertGroupAndProfile(ctx, rec)
			},
			func(ctx context.Context, sdk *client.Client, raw []byte) (*api.DispatchResponse, error) {
				var rec api.Group
				if err := decodeRecord(raw, &rec); err != nil {
					return nil, err
				}
				return sdk.Group(ctx, rec)
			}),
		newSendRecordCommand(c, "track", "Record a behavioural event",
			func(ctx context.Context, r *relayd.Relay, raw []byte) (*relayd.Result, error) {
				var rec api.Track
				if err := decodeRecord(raw, &rec); err != nil {
					return nil, err
				}
				return r.RecordEvent(ctx, rec)
			},
			func(ctx context.Context, sdk *client.Client, raw []byte) (*api.DispatchResponse, error) {
				var rec api.Track
				if err := decodeRecord(raw, &rec); err != nil {
					return nil, err
				}
				return sdk.Track(ctx, rec)
			}),
	)
	return cmd
}

func newSendRecordCommand(c *cli, name, short string, send sendFunc, post postFunc) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			raw, err := readRecord(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			ctx := correlation.Ensure(cmd.Context())

			if server, _ := cmd.Flags().GetString("server"); strings.TrimSpace(server) != "" {
				return postRecord(ctx, c, enc, server, raw, post)
			}

			cfg, err := c.load()
			if err != nil {
				return err
			}
			relay, err := relayd.New(cfg, relayd.WithLogger(c.levels.Logger()))
			if err != nil {
				return err
			}
			defer relay.Close()

			res, err := send(ctx, relay, raw)
			if err != nil {
				var de *relayd.Error
				if errors.As(err, &de) {
					_ = enc.Encode(api.ErrorResponse{
						ErrorCode:         string(de.Kind),
						Detail:            de.Error(),
						RemoteStatus:      de.Status,
						RetryAfterSeconds: int64(de.RetryAfter.Seconds()),
						CorrelationID:     correlation.ID(ctx),
					})
				}
				return err
			}
			out := api.DispatchResponse{
				Status:        res.Status,
				Path:          string(res.Path),
				JobID:         res.JobID,
				CorrelationID: correlation.ID(ctx),
			}
			if json.Valid(res.Body) {
				out.Remote = json.RawMessage(res.Body)
			}
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON record to send (- reads stdin)")
	return cmd
}

// postRecord hands the record to a running server. The server holds the
// remote credentials, so none are required locally.
func postRecord(ctx context.Context, c *cli, enc *json.Encoder, server string, raw []byte, post postFunc) error {
	sdk, err := client.New(server, client.WithLogger(c.levels.Logger()))
	if err != nil {
		return err
	}
	res, err := post(ctx, sdk, raw)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Response.ErrorCode != "" {
			_ = enc.Encode(apiErr.Response)
		}
		return err
	}
	return enc.Encode(res)
}

func readRecord(stdin io.Reader, file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	return raw, nil
}

func decodeRecord(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
