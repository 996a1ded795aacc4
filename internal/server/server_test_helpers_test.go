package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/canonical/testflinger-go/internal/app"
	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/interfaces"
	"github.com/canonical/testflinger-go/internal/models"
)

// errNotFound stands in for the not-found sentinels the real SurrealDB and
// file-blob stores return (isNotFoundError, ErrBlobNotFound): a non-nil
// error, not a (nil, nil) result.
var errNotFound = errors.New("not found")

// fakeStorage is an in-memory interfaces.StorageManager used across handler
// tests so they exercise real routing/encoding logic without a SurrealDB
// dependency.
type fakeStorage struct {
	jobs          *fakeJobStore
	fragments     *fakeFragmentStore
	results       *fakeResultStore
	clients       *fakeClientStore
	refreshTokens *fakeRefreshTokenStore
	queues        *fakeQueueStore
	secrets       *fakeSecretsStore
	attachments   *fakeBlobStore
	artifacts     *fakeBlobStore
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		jobs:          &fakeJobStore{byID: map[string]*models.Job{}},
		fragments:     &fakeFragmentStore{},
		results:       &fakeResultStore{byJobID: map[string]*models.ResultDocument{}},
		clients:       &fakeClientStore{byID: map[string]*models.ClientPermissions{}},
		refreshTokens: &fakeRefreshTokenStore{byRaw: map[string]*models.RefreshToken{}},
		queues:        &fakeQueueStore{byName: map[string]*models.Queue{}, agents: map[string]*models.AgentRecord{}},
		secrets:       &fakeSecretsStore{},
		attachments:   &fakeBlobStore{data: map[string][]byte{}},
		artifacts:     &fakeBlobStore{data: map[string][]byte{}},
	}
}

func (s *fakeStorage) Jobs() interfaces.JobStore                   { return s.jobs }
func (s *fakeStorage) Fragments() interfaces.FragmentStore         { return s.fragments }
func (s *fakeStorage) Results() interfaces.ResultStore             { return s.results }
func (s *fakeStorage) Clients() interfaces.ClientStore             { return s.clients }
func (s *fakeStorage) RefreshTokens() interfaces.RefreshTokenStore { return s.refreshTokens }
func (s *fakeStorage) Queues() interfaces.QueueStore               { return s.queues }
func (s *fakeStorage) Secrets() interfaces.SecretsStore            { return s.secrets }
func (s *fakeStorage) Attachments() interfaces.BlobStore           { return s.attachments }
func (s *fakeStorage) Artifacts() interfaces.BlobStore             { return s.artifacts }
func (s *fakeStorage) Close() error                                { return nil }

type fakeJobStore struct {
	byID map[string]*models.Job
}

func (f *fakeJobStore) Submit(ctx context.Context, job *models.Job) (string, error) {
	id := job.JobID.String()
	f.byID[id] = job
	return id, nil
}
func (f *fakeJobStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	j, ok := f.byID[jobID]
	if !ok {
		return nil, nil
	}
	return j, nil
}
func (f *fakeJobStore) Update(ctx context.Context, job *models.Job) error {
	f.byID[job.JobID.String()] = job
	return nil
}
func (f *fakeJobStore) PopJob(ctx context.Context, queues []string) (*models.Job, error) {
	for _, j := range f.byID {
		if j.JobState == models.JobStateWaiting {
			j.JobState = models.JobStateAllocated
			return j, nil
		}
	}
	return nil, nil
}
func (f *fakeJobStore) CancelJob(ctx context.Context, jobID string) error {
	if j, ok := f.byID[jobID]; ok {
		j.JobState = models.JobStateCancelled
	}
	return nil
}
func (f *fakeJobStore) Position(ctx context.Context, jobID string) (*models.Position, error) {
	return &models.Position{}, nil
}
func (f *fakeJobStore) ListByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error) {
	var out []*models.Job
	for _, j := range f.byID {
		if j.JobState == state {
			out = append(out, j)
		}
	}
	return out, nil
}
func (f *fakeJobStore) ListByTag(ctx context.Context, tags []string, limit int) ([]*models.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) ListByQueue(ctx context.Context, queue string, limit int) ([]*models.Job, error) {
	var out []*models.Job
	for _, j := range f.byID {
		if j.Queue == queue {
			out = append(out, j)
		}
	}
	return out, nil
}
func (f *fakeJobStore) Search(ctx context.Context, filters map[string]string, limit int) ([]*models.Job, error) {
	var out []*models.Job
	for _, j := range f.byID {
		if state := filters["state"]; state != "" && string(j.JobState) != state {
			continue
		}
		wantTags := filters["tags"]
		if wantTags == "" {
			out = append(out, j)
			continue
		}
		have := make(map[string]bool, len(j.Tags))
		for _, t := range j.Tags {
			have[t] = true
		}
		tags := strings.Split(wantTags, ",")
		matched := false
		if filters["match"] == string(models.SearchMatchAll) {
			matched = true
			for _, t := range tags {
				if !have[t] {
					matched = false
					break
				}
			}
		} else {
			for _, t := range tags {
				if have[t] {
					matched = true
					break
				}
			}
		}
		if matched {
			out = append(out, j)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (f *fakeJobStore) WaitTimeSamples(ctx context.Context, queue string, since time.Time) ([]models.WaitTimeSample, error) {
	return nil, nil
}
func (f *fakeJobStore) ResetAllocated(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

type fakeFragmentStore struct {
	fragments []models.LogFragment
}

func (f *fakeFragmentStore) AppendFragment(ctx context.Context, jobID string, fragment models.LogFragment) error {
	f.fragments = append(f.fragments, fragment)
	return nil
}
func (f *fakeFragmentStore) AssemblePhase(ctx context.Context, jobID, phase string) (models.AssembledPhaseLog, error) {
	return models.AssembledPhaseLog{}, nil
}
func (f *fakeFragmentStore) AssembleLog(ctx context.Context, jobID string, logType models.LogType, startFragment int) (models.AssembledPhaseLog, error) {
	return models.AssembledPhaseLog{}, nil
}
func (f *fakeFragmentStore) PurgeJob(ctx context.Context, jobID string) error { return nil }

type fakeResultStore struct {
	byJobID map[string]*models.ResultDocument
}

func (f *fakeResultStore) SaveResult(ctx context.Context, jobID string, result *models.ResultDocument) error {
	f.byJobID[jobID] = result
	return nil
}
func (f *fakeResultStore) GetResult(ctx context.Context, jobID string) (*models.ResultDocument, error) {
	r, ok := f.byJobID[jobID]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

type fakeClientStore struct {
	byID    map[string]*models.ClientPermissions
	secrets map[string]string
}

func (f *fakeClientStore) CreateClient(ctx context.Context, perm *models.ClientPermissions, secret string) error {
	if f.secrets == nil {
		f.secrets = map[string]string{}
	}
	f.byID[perm.ClientID] = perm
	f.secrets[perm.ClientID] = secret
	return nil
}
func (f *fakeClientStore) GetClient(ctx context.Context, clientID string) (*models.ClientPermissions, error) {
	c, ok := f.byID[clientID]
	if !ok {
		return nil, errNotFound
	}
	return c, nil
}
func (f *fakeClientStore) VerifyClientSecret(ctx context.Context, clientID, secret string) (*models.ClientPermissions, error) {
	c, ok := f.byID[clientID]
	if !ok || f.secrets[clientID] != secret {
		return nil, errNotFound
	}
	return c, nil
}
func (f *fakeClientStore) UpdateClient(ctx context.Context, perm *models.ClientPermissions) error {
	f.byID[perm.ClientID] = perm
	return nil
}
func (f *fakeClientStore) DeleteClient(ctx context.Context, clientID string) error {
	delete(f.byID, clientID)
	return nil
}
func (f *fakeClientStore) ListClients(ctx context.Context) ([]*models.ClientPermissions, error) {
	var out []*models.ClientPermissions
	for _, c := range f.byID {
		out = append(out, c)
	}
	return out, nil
}

type fakeRefreshTokenStore struct {
	byRaw map[string]*models.RefreshToken
}

func (f *fakeRefreshTokenStore) SaveRefreshToken(ctx context.Context, token *models.RefreshToken, rawToken string) error {
	if f.byRaw == nil {
		f.byRaw = map[string]*models.RefreshToken{}
	}
	f.byRaw[rawToken] = token
	return nil
}
func (f *fakeRefreshTokenStore) GetRefreshToken(ctx context.Context, rawToken string) (*models.RefreshToken, error) {
	rt, ok := f.byRaw[rawToken]
	if !ok {
		return nil, errNotFound
	}
	return rt, nil
}
func (f *fakeRefreshTokenStore) RevokeRefreshToken(ctx context.Context, rawToken string) error {
	rt, ok := f.byRaw[rawToken]
	if !ok {
		return errNotFound
	}
	rt.Revoked = true
	return nil
}
func (f *fakeRefreshTokenStore) RevokeRefreshTokensByClient(ctx context.Context, clientID string) error {
	for _, rt := range f.byRaw {
		if rt.ClientID == clientID {
			rt.Revoked = true
		}
	}
	return nil
}
func (f *fakeRefreshTokenStore) UpdateRefreshTokenLastUsed(ctx context.Context, rawToken string, when time.Time) error {
	if rt, ok := f.byRaw[rawToken]; ok {
		rt.LastAccessed = when
	}
	return nil
}
func (f *fakeRefreshTokenStore) PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	n := 0
	for raw, rt := range f.byRaw {
		if rt.Expired(now) {
			delete(f.byRaw, raw)
			n++
		}
	}
	return n, nil
}

type fakeQueueStore struct {
	byName     map[string]*models.Queue
	restricted map[string]*models.RestrictedQueue
	agents     map[string]*models.AgentRecord
}

func (f *fakeQueueStore) UpsertQueue(ctx context.Context, q *models.Queue) error {
	f.byName[q.Name] = q
	return nil
}
func (f *fakeQueueStore) GetQueue(ctx context.Context, name string) (*models.Queue, error) {
	q, ok := f.byName[name]
	if !ok {
		return nil, nil
	}
	return q, nil
}
func (f *fakeQueueStore) ListQueues(ctx context.Context) ([]*models.Queue, error) {
	var out []*models.Queue
	for _, q := range f.byName {
		out = append(out, q)
	}
	return out, nil
}
func (f *fakeQueueStore) CreateRestrictedQueue(ctx context.Context, q *models.RestrictedQueue) error {
	if f.restricted == nil {
		f.restricted = map[string]*models.RestrictedQueue{}
	}
	f.restricted[q.Name] = q
	return nil
}
func (f *fakeQueueStore) GetRestrictedQueue(ctx context.Context, name string) (*models.RestrictedQueue, error) {
	return f.restricted[name], nil
}
func (f *fakeQueueStore) ListRestrictedQueues(ctx context.Context, owner string) ([]*models.RestrictedQueue, error) {
	var out []*models.RestrictedQueue
	for _, q := range f.restricted {
		out = append(out, q)
	}
	return out, nil
}
func (f *fakeQueueStore) DeleteRestrictedQueue(ctx context.Context, name string) error {
	delete(f.restricted, name)
	return nil
}
func (f *fakeQueueStore) UpsertAgentRecord(ctx context.Context, rec *models.AgentRecord) error {
	f.agents[rec.Name] = rec
	return nil
}
func (f *fakeQueueStore) GetAgentRecord(ctx context.Context, identifier string) (*models.AgentRecord, error) {
	r, ok := f.agents[identifier]
	if !ok {
		return nil, nil
	}
	return r, nil
}
func (f *fakeQueueStore) ListAgentRecords(ctx context.Context, queue string) ([]*models.AgentRecord, error) {
	var out []*models.AgentRecord
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out, nil
}

type fakeSecretsStore struct{}

func (f *fakeSecretsStore) GetSecret(ctx context.Context, namespace, path string) (*models.Secret, error) {
	return nil, nil
}
func (f *fakeSecretsStore) SetSecret(ctx context.Context, secret *models.Secret) error { return nil }
func (f *fakeSecretsStore) DeleteSecret(ctx context.Context, namespace, path string) error {
	return nil
}
func (f *fakeSecretsStore) ListSecrets(ctx context.Context, namespace string) ([]string, error) {
	return nil, nil
}

type fakeBlobStore struct {
	data map[string][]byte
}

func (f *fakeBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	d, ok := f.data[key]
	if !ok {
		return nil, errNotFound
	}
	return d, nil
}
func (f *fakeBlobStore) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	d, ok := f.data[key]
	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(bytes.NewReader(d)), nil
}
func (f *fakeBlobStore) Put(ctx context.Context, key string, data []byte) error {
	f.data[key] = data
	return nil
}
func (f *fakeBlobStore) PutReader(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.data[key] = data
	return nil
}
func (f *fakeBlobStore) Delete(ctx context.Context, key string) error {
	delete(f.data, key)
	return nil
}
func (f *fakeBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.data[key]
	return ok, nil
}
func (f *fakeBlobStore) Close() error { return nil }

// newTestServer builds a Server backed by fakeStorage for handler tests.
func newTestServer() (*Server, *fakeStorage) {
	storage := newFakeStorage()
	cfg := &common.Config{Environment: "development"}
	logger := common.NewSilentLogger()

	a := &app.App{
		Config:      cfg,
		Logger:      logger,
		Storage:     storage,
		StartupTime: time.Now(),
	}

	events := NewEventHub(logger)
	go events.Run()

	s := &Server{
		app:    a,
		logger: logger,
		events: events,
	}
	return s, storage
}
