// Command watch connects to a running daemon, mirrors its torrent table, and
// prints a snapshot on an interval. Mostly a smoke tool for the client
// library; pass a magnet URI to add a torrent before watching.
package main

import (
	"context"
	"flag"
	"math"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"seedgate/internal/client"
	"seedgate/internal/domain"
)

func main() {
	var (
		url      = flag.String("url", "ws://127.0.0.1:8080/ws", "daemon websocket endpoint")
		interval = flag.Duration("interval", 2*time.Second, "snapshot print interval")
		magnet   = flag.String("magnet", "", "optional magnet URI to add before watching")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, *url, logger)
	if err != nil {
		logger.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	if *magnet != "" {
		meta, err := conn.FetchMetadata(ctx, *magnet, "")
		if err != nil {
			logger.Fatalf("fetch metadata: %v", err)
		}
		logger.Infof("resolved %s (%s, %d bytes)", meta.Name, meta.InfoHash, meta.TotalSize)

		d := client.NewDispatcher(conn, logger)
		d.Enqueue(ctx, client.Command{Kind: client.CmdAddMagnet, InfoHash: meta.InfoHash})
	}

	rec := client.NewReconciler(conn, logger)
	go func() {
		if err := rec.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("reconciler stopped: %v", err)
			stop()
		}
	}()

	snapshots := rec.PublishSnapshots(ctx, *interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("bye")
			return
		case snap := <-snapshots:
			printSnapshot(logger, rec, snap)
		}
	}
}

func printSnapshot(logger *logrus.Logger, rec *client.Reconciler, snap map[string]domain.TorrentRecord) {
	if len(snap) == 0 {
		logger.Info("no torrents")
		return
	}

	hashes := make([]string, 0, len(snap))
	for hash := range snap {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	for _, hash := range hashes {
		t := snap[hash]
		entry := logger.WithField("info_hash", hash)
		eta, _ := rec.ETAOf(hash)
		if math.IsInf(eta, 1) {
			entry.Infof("%s %s %.2f%% dl=%dB/s ul=%dB/s peers=%d", t.Name, t.State, t.Progress, t.DownloadRate, t.UploadRate, t.NumPeers)
		} else {
			entry.Infof("%s %s %.2f%% dl=%dB/s ul=%dB/s peers=%d eta=%.0fs", t.Name, t.State, t.Progress, t.DownloadRate, t.UploadRate, t.NumPeers, eta)
		}
	}
}
