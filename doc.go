// Package relayd relays analytics records (identify, group, track) to a
// customer-messaging API such as Intercom while coordinating every process
// that shares the same remote account. Coordination lives in a pluggable
// key/value store and provides three guarantees:
//
//   - per-identity mutual exclusion, so two updates for the same user never
//     reach the remote concurrently;
//   - a shared rate gate, so once the remote reports an exhausted budget no
//     instance calls it again before the reset time;
//   - a bulk-job registry, so consecutive records for an identity are
//     appended to the same open remote job instead of opening a new one.
//
// # Embedding a relay
//
//	cfg := relayd.Config{
//	    Account: "app_123",
//	    APIKey:  os.Getenv("RELAYD_API_KEY"),
//	    APIMode: relayd.APIModeBulk,
//	    Store:   "sqlite:///var/lib/relayd/relayd.db",
//	}
//	relay, err := relayd.New(cfg)
//	if err != nil { log.Fatal(err) }
//	defer relay.Close()
//
//	res, err := relay.UpsertProfile(ctx, api.Identify{
//	    UserID: "u-42",
//	    Traits: map[string]any{"email": "ada@example.com", "plan": "pro"},
//	})
//	switch {
//	case relayd.IsKind(err, relayd.KindRateLimit):
//	    // try again after the error's RetryAfter
//	case err != nil:
//	    log.Printf("dispatch failed: %v", err)
//	default:
//	    log.Printf("accepted via %s (job %s)", res.Path, res.JobID)
//	}
//
// # Running the ingestion server
//
// NewServer wraps a Relay in an HTTP API (POST /v1/identify, /v1/group,
// /v1/track) and schedules a janitor that purges expired coordination
// entries from stores that keep them around.
//
//	srv, err := relayd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go srv.Start()
//	defer srv.Shutdown(context.Background())
//
// # Stores
//
// Config.Store selects the coordination backend:
//
//	mem://                                   in-process, single instance
//	sqlite:///path/relayd.db                 shared file (modernc.org/sqlite)
//	s3://host:9000/bucket/prefix?insecure=1  S3-compatible (MinIO client)
//	aws://bucket/prefix?region=eu-north-1    Amazon S3 (AWS SDK v2)
//	azure://account/container/prefix         Azure Blob Storage
//
// Every instance relaying for one remote account must point at the same
// store; instances with separate stores do not coordinate.
package relayd
