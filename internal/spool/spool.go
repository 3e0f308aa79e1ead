// Package spool is a job source backed by a directory of JSON files.
// A job moves pending/ → processing/ → completed/ or failed/.
package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/storage"

	"github.com/mattjoyce/jobd/internal/job"
)

const (
	DirPending    = "pending"
	DirProcessing = "processing"
	DirCompleted  = "completed"
	DirFailed     = "failed"
)

const DefaultBatchSize = 100

type Spool struct {
	fs    afs.Service
	base  string
	batch int
	now   func() time.Time
}

// New prepares the spool directories under base.
func New(ctx context.Context, fs afs.Service, base string, batch int) (*Spool, error) {
	if base == "" {
		return nil, fmt.Errorf("spool directory is empty")
	}
	if batch < 1 {
		batch = DefaultBatchSize
	}
	s := &Spool{fs: fs, base: base, batch: batch, now: time.Now}
	for _, dir := range []string{DirPending, DirProcessing, DirCompleted, DirFailed} {
		p := s.dir(dir)
		exists, _ := fs.Exists(ctx, p)
		if exists {
			continue
		}
		if err := fs.Create(ctx, p, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("create spool directory %s: %w", p, err)
		}
	}
	return s, nil
}

func (s *Spool) dir(name string) string { return path.Join(s.base, name) }

func fileName(id string) string { return id + ".json" }

// Enqueue writes a new job file to pending/. Ids sort by creation time.
func (s *Spool) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("kind is empty")
	}
	j := job.Job{
		ID:      fmt.Sprintf("%020d-%s", s.now().UnixNano(), uuid.NewString()),
		Kind:    kind,
		Payload: payload,
	}
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := s.upload(ctx, path.Join(s.dir(DirPending), fileName(j.ID)), data); err != nil {
		return "", fmt.Errorf("write job file: %w", err)
	}
	return j.ID, nil
}

// ListPending moves up to one batch of pending files, oldest name first, to
// processing/ and returns their jobs. A file that does not decode is moved
// to failed/ with an "invalid-" prefix.
func (s *Spool) ListPending(ctx context.Context) ([]job.Job, error) {
	objects, err := s.fs.List(ctx, s.dir(DirPending))
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}

	var pending []storage.Object
	for _, obj := range objects {
		if !obj.IsDir() && strings.HasSuffix(obj.Name(), ".json") {
			pending = append(pending, obj)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Name() < pending[j].Name() })
	if len(pending) > s.batch {
		pending = pending[:s.batch]
	}

	out := make([]job.Job, 0, len(pending))
	for _, obj := range pending {
		j, err := s.read(ctx, obj.URL())
		if err != nil {
			_ = s.fs.Move(ctx, obj.URL(), path.Join(s.dir(DirFailed), "invalid-"+obj.Name()))
			continue
		}
		if j.ID == "" {
			j.ID = strings.TrimSuffix(obj.Name(), ".json")
		}
		if err := s.fs.Move(ctx, obj.URL(), path.Join(s.dir(DirProcessing), fileName(j.ID))); err != nil {
			return out, fmt.Errorf("claim job %s: %w", j.ID, err)
		}
		out = append(out, j)
	}
	return out, nil
}

// Complete moves the job from processing/ to completed/ or failed/.
func (s *Spool) Complete(ctx context.Context, j job.Job, ok bool) error {
	dest := DirFailed
	if ok {
		dest = DirCompleted
	}
	return s.move(ctx, j, DirProcessing, dest)
}

// Release moves claimed jobs back to pending/.
func (s *Spool) Release(ctx context.Context, jobs []job.Job) error {
	for _, j := range jobs {
		if err := s.move(ctx, j, DirProcessing, DirPending); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of job files in one of the spool directories.
func (s *Spool) Count(ctx context.Context, dir string) (int, error) {
	objects, err := s.fs.List(ctx, s.dir(dir))
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", dir, err)
	}
	n := 0
	for _, obj := range objects {
		if !obj.IsDir() && strings.HasSuffix(obj.Name(), ".json") {
			n++
		}
	}
	return n, nil
}

func (s *Spool) move(ctx context.Context, j job.Job, from, to string) error {
	if j.ID == "" {
		return fmt.Errorf("job id is empty")
	}
	src := path.Join(s.dir(from), fileName(j.ID))
	exists, err := s.fs.Exists(ctx, src)
	if err != nil {
		return fmt.Errorf("check %s: %w", src, err)
	}
	if !exists {
		return fmt.Errorf("job %s not in %s", j.ID, from)
	}
	if err := s.fs.Move(ctx, src, path.Join(s.dir(to), fileName(j.ID))); err != nil {
		return fmt.Errorf("move job %s to %s: %w", j.ID, to, err)
	}
	return nil
}

func (s *Spool) upload(ctx context.Context, p string, data []byte) error {
	return s.fs.Upload(ctx, p, file.DefaultFileOsMode, bytes.NewReader(data))
}

func (s *Spool) read(ctx context.Context, url string) (job.Job, error) {
	var j job.Job
	data, err := s.fs.DownloadWithURL(ctx, url)
	if err != nil {
		return j, fmt.Errorf("read job file %s: %w", url, err)
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return j, fmt.Errorf("decode job file %s: %w", url, err)
	}
	return j, nil
}
