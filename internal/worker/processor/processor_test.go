package processor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tokejepsen/mayasequence/internal/adapters/storage/localfs"
	"github.com/tokejepsen/mayasequence/internal/farm/render"
	"github.com/tokejepsen/mayasequence/internal/models"
	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
	"github.com/tokejepsen/mayasequence/internal/repositories"
)

type fakeStore struct {
	tasks map[string]*models.Task
}

func newFakeStore(tasks ...*models.Task) *fakeStore {
	s := &fakeStore{tasks: map[string]*models.Task{}}
	for _, t := range tasks {
		t.Status = models.TaskQueued
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, id string) (*models.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, repositories.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) MarkRunning(_ context.Context, id string) error {
	s.tasks[id].Status = models.TaskRunning
	return nil
}

func (s *fakeStore) MarkDone(_ context.Context, id string) error {
	s.tasks[id].Status = models.TaskDone
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id, msg string) error {
	s.tasks[id].Status = models.TaskFailed
	s.tasks[id].ErrorText = &msg
	return nil
}

func (s *fakeStore) SaveTrailKey(_ context.Context, id, key string) error {
	s.tasks[id].TrailObjectKey = &key
	return nil
}

type fakeSession struct {
	calls    []string
	startErr error
	frameErr error
	trail    string
}

func (f *fakeSession) OnInitialize(_ context.Context, jobID string) error {
	f.calls = append(f.calls, "init:"+jobID)
	return nil
}

func (f *fakeSession) OnTaskStart(_ context.Context, task render.Task) error {
	f.calls = append(f.calls, "start")
	return f.startErr
}

func (f *fakeSession) OnRenderFrame(_ context.Context, task render.Task) error {
	f.calls = append(f.calls, "render")
	f.trail += "[stdout] Rendering frame: " + task.SceneFile + "\n"
	return f.frameErr
}

func (f *fakeSession) OnTaskEnd(context.Context) error {
	f.calls = append(f.calls, "end")
	return nil
}

func (f *fakeSession) ResetTrail()   { f.trail = "" }
func (f *fakeSession) Trail() string { return f.trail }

func task(id, job, params string) *models.Task {
	return &models.Task{ID: id, JobID: job, Params: params}
}

const okParams = `{"scene_file":"/shows/a.ma","start_frame":1,"end_frame":2,"project_path":"/shows"}`

func newProcessor(t *testing.T, store *fakeStore, sess *fakeSession) (*Processor, string) {
	t.Helper()
	root := t.TempDir()
	return New(Deps{
		Store:   store,
		Session: sess,
		SP:      localfs.New(root),
		Log:     logger.Discard(),
	}), root
}

func TestProcessTaskSuccess(t *testing.T) {
	store := newFakeStore(task("t1", "job-1", okParams))
	sess := &fakeSession{}
	p, root := newProcessor(t, store, sess)

	if err := p.ProcessTask(context.Background(), "t1"); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	row := store.tasks["t1"]
	if row.Status != models.TaskDone {
		t.Errorf("status = %s", row.Status)
	}
	if row.TrailObjectKey == nil || *row.TrailObjectKey != "trails/job-1/t1.log" {
		t.Fatalf("trail key = %v", row.TrailObjectKey)
	}
	data, err := os.ReadFile(filepath.Join(root, "trails", "job-1", "t1.log"))
	if err != nil {
		t.Fatalf("trail not archived: %v", err)
	}
	if !strings.Contains(string(data), "Rendering frame") {
		t.Errorf("trail = %q", data)
	}
	if got := strings.Join(sess.calls, ","); got != "init:job-1,start,render" {
		t.Errorf("calls = %s", got)
	}
}

func TestSessionReusedWithinJob(t *testing.T) {
	store := newFakeStore(task("t1", "job-1", okParams), task("t2", "job-1", okParams), task("t3", "job-2", okParams))
	sess := &fakeSession{}
	p, _ := newProcessor(t, store, sess)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := p.ProcessTask(ctx, id); err != nil {
			t.Fatalf("%s: %v", id, err)
		}
	}
	want := "init:job-1,start,render,start,render,end,init:job-2,start,render"
	if got := strings.Join(sess.calls, ","); got != want {
		t.Errorf("calls = %s\nwant    %s", got, want)
	}

	_ = p.Close(ctx)
	if sess.calls[len(sess.calls)-1] != "end" {
		t.Error("Close should end the session")
	}
}

func TestTrailResetPerTask(t *testing.T) {
	store := newFakeStore(
		task("t1", "job-1", `{"scene_file":"/a.ma","start_frame":1,"end_frame":1,"project_path":"/p"}`),
		task("t2", "job-1", `{"scene_file":"/b.ma","start_frame":1,"end_frame":1,"project_path":"/p"}`),
	)
	sess := &fakeSession{}
	p, root := newProcessor(t, store, sess)
	for _, id := range []string{"t1", "t2"} {
		if err := p.ProcessTask(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}
	data, _ := os.ReadFile(filepath.Join(root, "trails", "job-1", "t2.log"))
	if strings.Contains(string(data), "/a.ma") {
		t.Errorf("trail of t2 contains output of t1: %q", data)
	}
}

func TestInvalidParamsFailTask(t *testing.T) {
	store := newFakeStore(task("t1", "job-1", `{"scene_file":"","start_frame":1,"end_frame":2,"project_path":"/p"}`))
	sess := &fakeSession{}
	p, _ := newProcessor(t, store, sess)

	err := p.ProcessTask(context.Background(), "t1")
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	row := store.tasks["t1"]
	if row.Status != models.TaskFailed || row.ErrorText == nil || !strings.Contains(*row.ErrorText, "scene file is required") {
		t.Errorf("row = %+v", row)
	}
	if len(sess.calls) != 0 {
		t.Errorf("session touched: %v", sess.calls)
	}
}

func TestFatalRenderErrorEndsSession(t *testing.T) {
	store := newFakeStore(task("t1", "job-1", okParams), task("t2", "job-1", okParams))
	sess := &fakeSession{frameErr: errors.StdoutFailure("license expired")}
	p, _ := newProcessor(t, store, sess)
	ctx := context.Background()

	err := p.ProcessTask(ctx, "t1")
	if !errors.IsCode(err, errors.CodeStdoutError) {
		t.Fatalf("expected stdout error, got %v", err)
	}
	if msg := *store.tasks["t1"].ErrorText; !strings.Contains(msg, "Detected an error: license expired") {
		t.Errorf("error text = %q", msg)
	}

	sess.frameErr = nil
	if err := p.ProcessTask(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	want := "init:job-1,start,render,end,init:job-1,start,render"
	if got := strings.Join(sess.calls, ","); got != want {
		t.Errorf("calls = %s\nwant    %s", got, want)
	}
}

func TestNonFatalRenderErrorKeepsSession(t *testing.T) {
	store := newFakeStore(task("t1", "job-1", okParams))
	sess := &fakeSession{frameErr: errors.New(errors.CodeNoMatchingLayer, "no render layer matches")}
	p, _ := newProcessor(t, store, sess)

	if err := p.ProcessTask(context.Background(), "t1"); !errors.IsCode(err, errors.CodeNoMatchingLayer) {
		t.Fatalf("got %v", err)
	}
	for _, c := range sess.calls {
		if c == "end" {
			t.Fatal("session ended on a task-level failure")
		}
	}
}

func TestStartFailureEndsSessionAndTruncates(t *testing.T) {
	store := newFakeStore(task("t1", "job-1", okParams))
	sess := &fakeSession{startErr: errors.New(errors.CodeBootTimeout, strings.Repeat("x", 3000))}
	p, _ := newProcessor(t, store, sess)

	err := p.ProcessTask(context.Background(), "t1")
	if !errors.IsCode(err, errors.CodeBootTimeout) {
		t.Fatalf("got %v", err)
	}
	if got := len(*store.tasks["t1"].ErrorText); got != MaxErrorText {
		t.Errorf("error text length = %d", got)
	}
	if sess.calls[len(sess.calls)-1] != "end" {
		t.Errorf("calls = %v", sess.calls)
	}
}

func TestMissingTask(t *testing.T) {
	p, _ := newProcessor(t, newFakeStore(), &fakeSession{})
	if err := p.ProcessTask(context.Background(), "nope"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestTrailReplacesPreviousObject(t *testing.T) {
	root := t.TempDir()
	sp := localfs.New(root)
	store := newFakeStore(task("t1", "job-1", okParams))
	old := "trails/old/t1.log"
	store.tasks["t1"].TrailObjectKey = &old
	if err := os.MkdirAll(filepath.Join(root, "trails", "old"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "trails", "old", "t1.log"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	row, _ := store.Get(context.Background(), "t1")
	key, err := NewTrailHandler(sp, store).Archive(context.Background(), row, "fresh")
	if err != nil {
		t.Fatal(err)
	}
	rc, _, _, err := sp.GetObject(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "fresh" {
		t.Errorf("archived %q", body)
	}
	if _, err := os.Stat(filepath.Join(root, "trails", "old", "t1.log")); !os.IsNotExist(err) {
		t.Error("previous trail not removed")
	}
}

func TestTaskParser(t *testing.T) {
	tests := []struct {
		name     string
		defaults map[string]any
		params   string
		want     render.Task
		wantErr  string
	}{
		{
			name:   "canonical keys",
			params: `{"scene_file":" /s/a.ma ","start_frame":10,"end_frame":12,"render_layer":"rs_beauty","project_path":"/s"}`,
			want:   render.Task{SceneFile: "/s/a.ma", StartFrame: 10, EndFrame: 12, Layer: "rs_beauty", ProjectPath: "/s"},
		},
		{
			name:   "submitter aliases and string frames",
			params: `{"SceneFile":"C:\\s\\a.ma","StartFrame":"1001","EndFrame":"1004","ProjectPath":"C:\\s"}`,
			want:   render.Task{SceneFile: `C:\s\a.ma`, StartFrame: 1001, EndFrame: 1004, ProjectPath: `C:\s`},
		},
		{
			name:     "job defaults",
			defaults: map[string]any{"project_path": "/proj", "render_layer": "rs_default"},
			params:   `{"scene_file":"/s/a.ma","start_frame":1,"end_frame":1}`,
			want:     render.Task{SceneFile: "/s/a.ma", StartFrame: 1, EndFrame: 1, Layer: "rs_default", ProjectPath: "/proj"},
		},
		{name: "missing project", params: `{"scene_file":"/a.ma","start_frame":1,"end_frame":1}`, wantErr: "project path"},
		{name: "reversed range", params: `{"scene_file":"/a.ma","start_frame":5,"end_frame":1,"project_path":"/p"}`, wantErr: "start frame"},
		{name: "bad frame", params: `{"scene_file":"/a.ma","start_frame":"one","end_frame":1,"project_path":"/p"}`, wantErr: "integer"},
		{name: "not json", params: `scene=a.ma`, wantErr: "invalid params_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewTaskParser(tt.defaults).Parse(tt.params)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestTruncateError(t *testing.T) {
	short := "boot timed out"
	if TruncateError(short) != short {
		t.Error("short message changed")
	}
	long := strings.Repeat("a", MaxErrorText-1) + "é" + "tail"
	got := TruncateError(long)
	if len(got) != MaxErrorText-1 {
		t.Errorf("length = %d, want %d", len(got), MaxErrorText-1)
	}
}

func TestTrailKey(t *testing.T) {
	if got := TrailKey("job/1", "../t 1"); got != "trails/job_1/_t_1.log" {
		t.Errorf("got %q", got)
	}
}

func TestCleanupStaleSessions(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"session-old", "session-new", "other"} {
		if err := os.Mkdir(filepath.Join(root, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(root, "session-old"), past, past); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(root, "other"), past, past); err != nil {
		t.Fatal(err)
	}

	n := NewCleanup(root, 24*time.Hour, logger.Discard()).StaleSessions(time.Now())
	if n != 1 {
		t.Errorf("removed %d", n)
	}
	for name, want := range map[string]bool{"session-old": false, "session-new": true, "other": true} {
		_, err := os.Stat(filepath.Join(root, name))
		if exists := err == nil; exists != want {
			t.Errorf("%s exists = %v", name, exists)
		}
	}
}
