package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"patchwatch/internal/post"
	logx "patchwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.recipients.json (groups and direct recipients, rewritten atomically)
//   - <prefix>.post.json       (last distributed artifact)
//   - <prefix>.audit.jsonl     (append-only JSON Lines)
//
// The recipients document is shared with operators who may edit it by
// hand while the bot is stopped, so it is read leniently.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	recipientsPath string
	postPath       string
	auditFile      *os.File

	rcpt Recipients
}

// recipientsDoc is the on-disk shape:
//
//	{"groups": {"<groupId>": {"channelId": "<id>", "pingRoleId": "<mention>"|null}},
//	 "direct": {"<userId>": {"enabled": true}}}
type recipientsDoc struct {
	Groups map[string]groupDoc  `json:"groups"`
	Direct map[string]directDoc `json:"direct"`
}

type groupDoc struct {
	ChannelID  string  `json:"channelId"`
	PingRoleID *string `json:"pingRoleId"`
	ThreadID   int     `json:"threadId,omitempty"`
}

type directDoc struct {
	Enabled bool `json:"enabled"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:            log,
		recipientsPath: prefix + ".recipients.json",
		postPath:       prefix + ".post.json",
	}
	rcpt, err := readRecipients(s.recipientsPath)
	if err != nil {
		return nil, err
	}
	s.rcpt = rcpt

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af

	log.Info("file storage opened",
		logx.String("recipients", s.recipientsPath),
		logx.Int("groups", len(rcpt.Groups)),
		logx.Int("direct", len(rcpt.Direct)))
	return s, nil
}

func readRecipients(path string) (Recipients, error) {
	out := emptyRecipients()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	if strings.TrimSpace(string(b)) == "" {
		return out, nil
	}
	var doc recipientsDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return out, fmt.Errorf("parse %s: %w", path, err)
	}
	for k, g := range doc.Groups {
		gid, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil {
			return out, fmt.Errorf("parse %s: group id %q: %w", path, k, err)
		}
		rec := GroupRecord{GroupID: gid, ChannelID: gid, ThreadID: g.ThreadID}
		if ch := strings.TrimSpace(g.ChannelID); ch != "" {
			cid, err := strconv.ParseInt(ch, 10, 64)
			if err != nil {
				return out, fmt.Errorf("parse %s: channelId %q: %w", path, ch, err)
			}
			rec.ChannelID = cid
		}
		if g.PingRoleID != nil {
			rec.MentionID = strings.TrimSpace(*g.PingRoleID)
		}
		out.Groups[gid] = rec
	}
	for k, d := range doc.Direct {
		uid, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil {
			return out, fmt.Errorf("parse %s: user id %q: %w", path, k, err)
		}
		out.Direct[uid] = DirectRecord{UserID: uid, Enabled: d.Enabled}
	}
	return out, nil
}

func encodeRecipients(r Recipients) recipientsDoc {
	doc := recipientsDoc{
		Groups: make(map[string]groupDoc, len(r.Groups)),
		Direct: make(map[string]directDoc, len(r.Direct)),
	}
	for id, g := range r.Groups {
		gd := groupDoc{ChannelID: strconv.FormatInt(g.ChannelID, 10), ThreadID: g.ThreadID}
		if g.MentionID != "" {
			m := g.MentionID
			gd.PingRoleID = &m
		}
		doc.Groups[strconv.FormatInt(id, 10)] = gd
	}
	for id, d := range r.Direct {
		doc.Direct[strconv.FormatInt(id, 10)] = directDoc{Enabled: d.Enabled}
	}
	return doc
}

// writeJSONAtomic writes v to a temp file in the target directory and
// renames it over path, so readers never see a partial document.
func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// mutate applies fn to a copy and commits it only if the write succeeds.
func (s *fileStore) mutate(fn func(r *Recipients) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return false, ErrClosed
	}
	next := copyRecipients(s.rcpt)
	changed := fn(&next)
	if !changed {
		return false, nil
	}
	if err := writeJSONAtomic(s.recipientsPath, encodeRecipients(next)); err != nil {
		return false, fmt.Errorf("write recipients: %w", err)
	}
	s.rcpt = next
	return true, nil
}

func (s *fileStore) LoadRecipients(ctx context.Context) (Recipients, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecipients(s.rcpt), nil
}

func (s *fileStore) PutGroup(ctx context.Context, g GroupRecord) error {
	_, err := s.mutate(func(r *Recipients) bool {
		r.Groups[g.GroupID] = g
		return true
	})
	return err
}

func (s *fileStore) DeleteGroup(ctx context.Context, id int64) (bool, error) {
	return s.mutate(func(r *Recipients) bool {
		if _, ok := r.Groups[id]; !ok {
			return false
		}
		delete(r.Groups, id)
		return true
	})
}

func (s *fileStore) PutDirect(ctx context.Context, d DirectRecord) error {
	_, err := s.mutate(func(r *Recipients) bool {
		r.Direct[d.UserID] = d
		return true
	})
	return err
}

func (s *fileStore) DeleteDirect(ctx context.Context, id int64) (bool, error) {
	return s.mutate(func(r *Recipients) bool {
		if _, ok := r.Direct[id]; !ok {
			return false
		}
		delete(r.Direct, id)
		return true
	})
}

func (s *fileStore) LoadPost(ctx context.Context) (*post.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.postPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var art post.Artifact
	if err := json.Unmarshal(b, &art); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.postPath, err)
	}
	return &art, nil
}

func (s *fileStore) SavePost(ctx context.Context, art *post.Artifact) error {
	if art == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return writeJSONAtomic(s.postPath, art)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
