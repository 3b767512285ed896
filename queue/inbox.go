package queue

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/aposazhennikov/lancast/logger"
	sentryhelper "github.com/aposazhennikov/lancast/sentry_helper"
	"github.com/aposazhennikov/lancast/track"
)

// Resolver turns a catalog track id into a track ready to be queued.
type Resolver func(ctx context.Context, id string) (*track.Track, error)

// Inbox watches a text file of track ids, one per line, and queues every id
// appended to it. Blank lines and lines starting with '#' are ignored.
type Inbox struct {
	path    string
	queue   *Queue
	resolve Resolver
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	sentry  *sentryhelper.SentryHelper

	consumed int
}

// NewInbox watches the directory holding path so that editors replacing the
// file are noticed too.
func NewInbox(path string, q *Queue, resolve Resolver, log *slog.Logger, sh *sentryhelper.SentryHelper) (*Inbox, error) {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Inbox{
		path:    path,
		queue:   q,
		resolve: resolve,
		watcher: watcher,
		logger:  logger.WithComponent(log, "inbox").With(slog.String("file", path)),
		sentry:  sh,
	}, nil
}

// Run queues the ids already in the file, then follows it until ctx is done.
func (in *Inbox) Run(ctx context.Context) error {
	defer in.watcher.Close()

	in.sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-in.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != in.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				in.sync(ctx)
			}
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Error("Inbox watcher error", slog.String("error", err.Error()))
			in.sentry.CaptureWarning(fmt.Sprintf("inbox watcher error: %v", err), "inbox", "watch")
		}
	}
}

// sync queues the ids past the ones already consumed. A file holding fewer
// ids than consumed was replaced and is read from the start.
func (in *Inbox) sync(ctx context.Context) {
	ids, err := readIDs(in.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			in.logger.Error("Failed to read inbox", slog.String("error", err.Error()))
		}
		return
	}
	if len(ids) < in.consumed {
		in.consumed = 0
	}
	fresh := ids[in.consumed:]
	in.consumed = len(ids)
	if len(fresh) == 0 {
		return
	}

	tracks := make([]*track.Track, 0, len(fresh))
	for _, id := range fresh {
		t, err := in.resolve(ctx, id)
		if err != nil {
			in.logger.Warn("Skipping inbox track", slog.String("track_id", id), slog.String("error", err.Error()))
			in.sentry.CaptureTrackError(err, id, "resolve", nil)
			continue
		}
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		return
	}
	if err := in.queue.Add(tracks...); err != nil {
		in.logger.Error("Failed to queue inbox tracks", slog.Int("tracks", len(tracks)), slog.String("error", err.Error()))
		in.sentry.CaptureWarning(fmt.Sprintf("inbox: queue %d tracks: %v", len(tracks), err), "inbox", "queue")
	}
}

// readIDs ignores a last line without a newline, it may still be written.
func readIDs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseIDs(data[:bytes.LastIndexByte(data, '\n')+1]), nil
}

// ParseIDs extracts track ids from inbox file contents.
func ParseIDs(data []byte) []string {
	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids
}
