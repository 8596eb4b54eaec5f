// Package pipeline runs the export: search the mailbox, collect PDF
// attachment references, fetch them and hand a stored ZIP to a sink.
// Progress and the activity log live in the state store so that another
// process can watch or cancel a run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/shineum/pdfzip/internal/attachment"
	"github.com/shineum/pdfzip/internal/auth"
	"github.com/shineum/pdfzip/internal/delivery"
	"github.com/shineum/pdfzip/internal/gmail"
	"github.com/shineum/pdfzip/internal/state"
	"github.com/shineum/pdfzip/internal/zipstore"
)

// Progress log cadence.
const (
	messageLogEvery  = 10
	downloadLogEvery = 5
)

var (
	// ErrBusy is returned when a run is already in progress in this session.
	ErrBusy = errors.New("another run is in progress")

	// ErrNothingToDownload is returned by Download when no references are stored.
	ErrNothingToDownload = errors.New("no PDF attachments to download; run a search first")

	// errCanceled stops a run at a checkpoint after Cancel was requested.
	errCanceled = errors.New("canceled")
)

// MailClient is the subset of the Gmail client the pipeline uses.
type MailClient interface {
	Profile(ctx context.Context) (string, error)
	ListAll(ctx context.Context, query string, onPage func(p *gmail.Page, total int) error) ([]string, error)
	Message(ctx context.Context, id string) (*gmailv1.Message, error)
	Attachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Store is the persistent state the pipeline reads and writes.
type Store interface {
	Progress(ctx context.Context) (*state.Progress, error)
	BeginRun(ctx context.Context, query, nameFilter string) (string, error)
	BeginDownload(ctx context.Context) error
	SetPhase(ctx context.Context, phase state.Phase) error
	SetTotalMessages(ctx context.Context, n int) error
	SetDownloaded(ctx context.Context, n int) error
	SetCanceled(ctx context.Context, canceled bool) error
	Canceled(ctx context.Context) (bool, error)
	SetEmail(ctx context.Context, email string) error
	RecordMessage(ctx context.Context, refs []attachment.Ref) error
	Refs(ctx context.Context) ([]attachment.Ref, error)
	RefCount(ctx context.Context) (int, error)
	AppendLog(ctx context.Context, level, text string) (state.LogEntry, error)
	Log(ctx context.Context, afterSeq int64) ([]state.LogEntry, error)
	Reset(ctx context.Context) error
}

// Request describes a search.
type Request struct {
	Query      string
	NameFilter string
}

// SearchResult summarizes a finished or canceled search.
type SearchResult struct {
	RunID     string
	Messages  int
	Processed int
	Found     int
	Canceled  bool
}

// DownloadResult summarizes a finished or canceled download. Artifact is
// nil when nothing was fetched.
type DownloadResult struct {
	Artifact   *delivery.Artifact
	Location   string
	Downloaded int
	Total      int
	Canceled   bool
}

// Status is a progress snapshot.
type Status struct {
	state.Progress
	Refs int `json:"refs"`
}

// Session owns the collaborators of one exporter instance and runs at most
// one search or download at a time.
type Session struct {
	mail  MailClient
	auth  auth.Authenticator
	store Store
	sink  delivery.Sink
	now   func() time.Time

	running sync.Mutex
}

// New creates a Session.
func New(mail MailClient, a auth.Authenticator, store Store, sink delivery.Sink) *Session {
	return &Session{
		mail:  mail,
		auth:  a,
		store: store,
		sink:  sink,
		now:   time.Now,
	}
}

// Connect discards any cached token, authenticates afresh and records the
// account address.
func (s *Session) Connect(ctx context.Context) (string, error) {
	if err := s.auth.Invalidate(ctx); err != nil {
		return "", s.fail(ctx, fmt.Errorf("dropping cached token: %w", err))
	}
	email, err := s.mail.Profile(ctx)
	if err != nil {
		return "", s.fail(ctx, fmt.Errorf("connecting: %w", err))
	}
	if err := s.store.SetEmail(ctx, email); err != nil {
		return "", err
	}
	s.logf(ctx, state.LevelOK, "Connected as %s", email)
	return email, nil
}

// Search lists every message matching req.Query, walks each message for
// PDF attachments and stores the references that pass the name filter.
// A canceled search keeps what it found and is not an error.
func (s *Session) Search(ctx context.Context, req Request) (*SearchResult, error) {
	if !s.running.TryLock() {
		return nil, ErrBusy
	}
	defer s.running.Unlock()

	return s.search(ctx, req)
}

func (s *Session) search(ctx context.Context, req Request) (*SearchResult, error) {
	filter, err := attachment.NewNameFilter(req.NameFilter)
	if err != nil {
		s.logf(ctx, state.LevelWarn, "Invalid name filter %q ignored: %v", req.NameFilter, err)
	}

	runID, err := s.store.BeginRun(ctx, req.Query, req.NameFilter)
	if err != nil {
		return nil, err
	}
	res := &SearchResult{RunID: runID}

	email, err := s.accountEmail(ctx)
	if err != nil {
		return res, s.abort(ctx, err)
	}
	s.logf(ctx, state.LevelInfo, "Connected as %s", email)
	if filter.Active() {
		s.logf(ctx, state.LevelInfo, "Searching %q, keeping names matching %q", req.Query, req.NameFilter)
	} else {
		s.logf(ctx, state.LevelInfo, "Searching %q", req.Query)
	}

	pages := 0
	ids, err := s.mail.ListAll(ctx, req.Query, func(p *gmail.Page, total int) error {
		pages++
		if err := s.store.SetTotalMessages(ctx, total); err != nil {
			return err
		}
		s.logf(ctx, state.LevelInfo, "Page %d: %d messages (%d so far)", pages, len(p.MessageIDs), total)
		return s.checkpoint(ctx)
	})
	res.Messages = len(ids)
	if errors.Is(err, errCanceled) {
		return s.searchCanceled(ctx, res)
	}
	if err != nil {
		return res, s.abort(ctx, err)
	}
	if len(ids) == 0 {
		s.logf(ctx, state.LevelWarn, "No messages match %q", req.Query)
	}

	for i, id := range ids {
		if err := s.checkpoint(ctx); err != nil {
			if errors.Is(err, errCanceled) {
				return s.searchCanceled(ctx, res)
			}
			return res, s.abort(ctx, err)
		}

		msg, err := s.mail.Message(ctx, id)
		if err != nil {
			return res, s.abort(ctx, err)
		}
		refs := filter.Apply(attachment.CollectPDFs(msg))
		if err := s.store.RecordMessage(ctx, refs); err != nil {
			return res, s.abort(ctx, err)
		}
		res.Processed++
		res.Found += len(refs)

		if n := i + 1; n%messageLogEvery == 0 || n == len(ids) {
			s.logf(ctx, state.LevelInfo, "Processed %d/%d messages, %d PDFs", n, len(ids), res.Found)
		}
	}

	// A cancel that landed while the last message was being processed.
	if err := s.checkpoint(ctx); err != nil {
		if errors.Is(err, errCanceled) {
			return s.searchCanceled(ctx, res)
		}
		return res, s.abort(ctx, err)
	}

	if err := s.store.SetPhase(ctx, state.PhaseReady); err != nil {
		return res, err
	}
	s.logf(ctx, state.LevelOK, "Found %d PDF attachments in %d messages", res.Found, res.Messages)
	return res, nil
}

func (s *Session) searchCanceled(ctx context.Context, res *SearchResult) (*SearchResult, error) {
	res.Canceled = true
	if err := s.store.SetPhase(ctx, state.PhaseReady); err != nil {
		return res, err
	}
	s.logf(ctx, state.LevelWarn, "Search canceled after %d/%d messages; %d PDFs kept",
		res.Processed, res.Messages, res.Found)
	return res, nil
}

// Download fetches every stored reference in order, builds the archive and
// delivers it. A canceled download still delivers the files fetched so far.
func (s *Session) Download(ctx context.Context) (*DownloadResult, error) {
	if !s.running.TryLock() {
		return nil, ErrBusy
	}
	defer s.running.Unlock()

	return s.download(ctx)
}

func (s *Session) download(ctx context.Context) (*DownloadResult, error) {
	if err := s.store.BeginDownload(ctx); err != nil {
		return nil, err
	}

	refs, err := s.store.Refs(ctx)
	if err != nil {
		return nil, s.abort(ctx, err)
	}
	res := &DownloadResult{Total: len(refs)}
	if len(refs) == 0 {
		s.logf(ctx, state.LevelWarn, "Nothing to download")
		if err := s.store.SetPhase(ctx, state.PhaseReady); err != nil {
			return res, err
		}
		return res, ErrNothingToDownload
	}

	s.logf(ctx, state.LevelInfo, "Downloading %d PDF attachments", len(refs))

	files := make([]zipstore.FileEntry, 0, len(refs))
	for i, ref := range refs {
		if err := s.checkpoint(ctx); err != nil {
			if errors.Is(err, errCanceled) {
				res.Canceled = true
				break
			}
			return res, s.abort(ctx, err)
		}

		data, err := s.mail.Attachment(ctx, ref.MessageID, ref.AttachmentID)
		if err != nil {
			return res, s.abort(ctx, fmt.Errorf("fetching %s: %w", attachment.EntryName(ref.Filename, i+1), err))
		}
		files = append(files, zipstore.FileEntry{
			Name: attachment.EntryName(ref.Filename, i+1),
			Data: data,
		})
		res.Downloaded = len(files)
		if err := s.store.SetDownloaded(ctx, res.Downloaded); err != nil {
			return res, s.abort(ctx, err)
		}

		if n := i + 1; n%downloadLogEvery == 0 || n == len(refs) {
			s.logf(ctx, state.LevelInfo, "Downloaded %d/%d", n, len(refs))
		}
	}

	if res.Canceled {
		s.logf(ctx, state.LevelWarn, "Download canceled after %d/%d files", res.Downloaded, res.Total)
		if len(files) == 0 {
			if err := s.store.SetPhase(ctx, state.PhaseReady); err != nil {
				return res, err
			}
			return res, nil
		}
	}

	now := s.now()
	s.logf(ctx, state.LevelInfo, "Building archive")
	data, err := zipstore.Build(files, zipstore.WithModified(now))
	if err != nil {
		return res, s.abort(ctx, fmt.Errorf("building archive: %w", err))
	}
	res.Artifact = &delivery.Artifact{
		Name:        delivery.ArchiveName(now),
		ContentType: delivery.ZipContentType,
		Data:        data,
		Entries:     len(files),
	}

	loc, err := s.sink.Deliver(ctx, res.Artifact)
	if err != nil {
		return res, s.abort(ctx, fmt.Errorf("delivering archive via %s: %w", s.sink.Name(), err))
	}
	res.Location = loc

	if err := s.store.SetPhase(ctx, state.PhaseDone); err != nil {
		return res, err
	}
	s.logf(ctx, state.LevelOK, "Saved %s (%d PDFs, %s) to %s",
		res.Artifact.Name, res.Artifact.Entries, humanize.Bytes(uint64(len(data))), loc)
	return res, nil
}

// Run searches and, unless the search was canceled or found nothing,
// downloads. An empty search is a clean finish.
func (s *Session) Run(ctx context.Context, req Request) (*SearchResult, *DownloadResult, error) {
	if !s.running.TryLock() {
		return nil, nil, ErrBusy
	}
	defer s.running.Unlock()

	sr, err := s.search(ctx, req)
	if err != nil || sr.Canceled || sr.Found == 0 {
		return sr, nil, err
	}
	dr, err := s.download(ctx)
	return sr, dr, err
}

// Cancel asks a running search or download, in this or another process, to
// stop at its next checkpoint.
func (s *Session) Cancel(ctx context.Context) error {
	if err := s.store.SetCanceled(ctx, true); err != nil {
		return err
	}
	s.logf(ctx, state.LevelWarn, "Cancellation requested")
	return nil
}

// Reset wipes progress, references and the activity log. The cached token
// and account email are kept.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.store.Reset(ctx); err != nil {
		return err
	}
	s.logf(ctx, state.LevelOK, "State reset (login kept)")
	return nil
}

// Status returns the current progress and the number of stored references.
func (s *Session) Status(ctx context.Context) (*Status, error) {
	p, err := s.store.Progress(ctx)
	if err != nil {
		return nil, err
	}
	n, err := s.store.RefCount(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{Progress: *p, Refs: n}, nil
}

// Log returns activity log entries newer than afterSeq.
func (s *Session) Log(ctx context.Context, afterSeq int64) ([]state.LogEntry, error) {
	return s.store.Log(ctx, afterSeq)
}

// accountEmail returns the stored account address, resolving it from the
// profile when none is stored yet.
func (s *Session) accountEmail(ctx context.Context) (string, error) {
	p, err := s.store.Progress(ctx)
	if err != nil {
		return "", err
	}
	if p.Email != "" {
		return p.Email, nil
	}
	email, err := s.mail.Profile(ctx)
	if err != nil {
		return "", err
	}
	if err := s.store.SetEmail(ctx, email); err != nil {
		return "", err
	}
	return email, nil
}

// checkpoint returns errCanceled once cancellation has been requested and
// the context error once the context is done.
func (s *Session) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	canceled, err := s.store.Canceled(ctx)
	if err != nil {
		return err
	}
	if canceled {
		return errCanceled
	}
	return nil
}

// abort records a fatal error, returns the run to idle and passes err on.
func (s *Session) abort(ctx context.Context, err error) error {
	// The run context may already be done; bookkeeping still has to land.
	bg := context.WithoutCancel(ctx)
	if perr := s.store.SetPhase(bg, state.PhaseIdle); perr != nil {
		slog.Warn("failed to reset phase", "error", perr)
	}
	return s.fail(bg, err)
}

// fail appends err to the activity log and returns it.
func (s *Session) fail(ctx context.Context, err error) error {
	s.logf(context.WithoutCancel(ctx), state.LevelError, "Error: %v", err)
	return err
}

// logf appends a line to the activity log and mirrors it to slog.
func (s *Session) logf(ctx context.Context, level, format string, args ...any) {
	text := fmt.Sprintf(format, args...)

	switch level {
	case state.LevelError:
		slog.Error(text)
	case state.LevelWarn:
		slog.Warn(text)
	default:
		slog.Info(text)
	}

	if _, err := s.store.AppendLog(ctx, level, text); err != nil {
		slog.Warn("failed to append activity log", "error", err)
	}
}
