package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/17Amir17/redd-archiver/internal/checkpoint"
	"github.com/17Amir17/redd-archiver/internal/config"
	"github.com/17Amir17/redd-archiver/internal/model"
)

var testCommunity = model.Community{Platform: "reddit", Name: "golang"}

// fakeSource serves synthetic sorted datasets through the Source
// contract, with optional transient failures on user pages.
type fakeSource struct {
	users    []model.User
	posts    []model.Post
	comments []model.Comment

	mu        sync.Mutex
	userCalls int
	failCalls map[int]bool // fail the nth UserPage call once
}

func (s *fakeSource) PartitionUsernames(_ context.Context, _ model.Community, n int) ([]Range, error) {
	if len(s.users) == 0 || n < 1 {
		return nil, nil
	}
	per := (len(s.users) + n - 1) / n
	var ranges []Range
	lower := ""
	for i := per - 1; i < len(s.users); i += per {
		upper := s.users[i].Username
		if i+per >= len(s.users) {
			upper = ""
		}
		ranges = append(ranges, Range{Lower: lower, Upper: upper})
		if upper == "" {
			break
		}
		lower = upper
	}
	return ranges, nil
}

func (s *fakeSource) UserPage(_ context.Context, _ model.Community, r Range, after string, limit int) ([]model.User, error) {
	s.mu.Lock()
	s.userCalls++
	call := s.userCalls
	fail := s.failCalls[call]
	if fail {
		delete(s.failCalls, call)
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}

	if after < r.Lower {
		after = r.Lower
	}
	var page []model.User
	for _, u := range s.users {
		if u.Username <= after {
			continue
		}
		if r.Upper != "" && u.Username > r.Upper {
			break
		}
		page = append(page, u)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *fakeSource) PostPage(_ context.Context, _ model.Community, after PostCursor, limit int) ([]model.Post, error) {
	var page []model.Post
	for _, p := range s.posts {
		if p.CreatedUTC < after.CreatedUTC ||
			(p.CreatedUTC == after.CreatedUTC && p.ID <= after.ID) {
			continue
		}
		page = append(page, p)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *fakeSource) CommentPage(_ context.Context, _ model.Community, after PostCursor, limit int) ([]model.Comment, error) {
	var page []model.Comment
	for _, c := range s.comments {
		if c.CreatedUTC < after.CreatedUTC ||
			(c.CreatedUTC == after.CreatedUTC && c.ID <= after.ID) {
			continue
		}
		page = append(page, c)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

type collectingConsumer struct {
	mu       sync.Mutex
	users    []model.User
	posts    []model.Post
	comments []model.Comment
}

func (c *collectingConsumer) Posts(_ context.Context, _ model.Community, page []model.Post) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, page...)
	return nil
}

func (c *collectingConsumer) Comments(_ context.Context, _ model.Community, page []model.Comment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.comments = append(c.comments, page...)
	return nil
}

func (c *collectingConsumer) Users(_ context.Context, _ model.Community, page []model.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = append(c.users, page...)
	return nil
}

// fakeProgress records what the runner reports. When seeded with a
// starting status it enforces the state graph the way the real store
// does.
type fakeProgress struct {
	mu          sync.Mutex
	status      checkpoint.Status
	transitions []checkpoint.Status
	reported    int64
	reports     int
	failedWith  error
}

func (p *fakeProgress) Transition(_ context.Context, community model.Community, to checkpoint.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != "" {
		if !checkpoint.CanTransition(p.status, to) {
			return &checkpoint.InvalidTransitionError{Community: community, From: p.status, To: to}
		}
		p.status = to
	}
	p.transitions = append(p.transitions, to)
	return nil
}

func (p *fakeProgress) UpdateExportProgress(_ context.Context, _ model.Community, entities int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reported += entities
	p.reports++
	return nil
}

func (p *fakeProgress) MarkFailed(_ context.Context, _ model.Community, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failedWith = cause
	return nil
}

func syntheticUsers(n int) []model.User {
	users := make([]model.User, 0, n)
	for i := 0; i < n; i++ {
		users = append(users, model.User{
			Username:  fmt.Sprintf("user%05d", i),
			Platform:  "reddit",
			PostCount: int64(i),
		})
	}
	return users
}

func syntheticPosts(n int) []model.Post {
	posts := make([]model.Post, 0, n)
	for i := 0; i < n; i++ {
		posts = append(posts, model.Post{
			ID:         fmt.Sprintf("p%05d", i),
			Platform:   "reddit",
			Subreddit:  "golang",
			CreatedUTC: int64(1600000000 + i),
		})
	}
	return posts
}

func exportConfig(workers int) config.ExportConfig {
	return config.ExportConfig{
		PageSize:           100,
		Workers:            workers,
		CheckpointInterval: 10,
		PageTimeout:        5 * time.Second,
	}
}

func TestExportCommunityCompleteAndOrdered(t *testing.T) {
	source := &fakeSource{
		users: syntheticUsers(10000),
		posts: syntheticPosts(250),
		comments: []model.Comment{
			{ID: "c1", Platform: "reddit", PostID: "p00001", CreatedUTC: 1600000001},
			{ID: "c2", Platform: "reddit", PostID: "p00001", CreatedUTC: 1600000002},
		},
	}
	consumer := &collectingConsumer{}
	progress := &fakeProgress{}

	runner := NewRunner(exportConfig(4), source, consumer, progress)
	total, err := runner.ExportCommunity(context.Background(), testCommunity)
	require.NoError(t, err)
	require.Equal(t, int64(10000+250+2), total)

	// Every user appears exactly once across the merged partitions.
	require.Len(t, consumer.users, 10000)
	seen := make(map[string]int, len(consumer.users))
	for _, u := range consumer.users {
		seen[u.Username]++
	}
	for name, count := range seen {
		require.Equalf(t, 1, count, "user %s exported %d times", name, count)
	}

	// Posts come from a single partition, so their order is the sort key.
	require.Len(t, consumer.posts, 250)
	require.True(t, sort.SliceIsSorted(consumer.posts, func(i, j int) bool {
		return consumer.posts[i].CreatedUTC < consumer.posts[j].CreatedUTC
	}))

	require.Equal(t,
		[]checkpoint.Status{checkpoint.StatusExporting, checkpoint.StatusCompleted},
		progress.transitions)
	require.Equal(t, total, progress.reported)
	require.GreaterOrEqual(t, progress.reports, 2)
}

func TestExportResumesInterruptedExport(t *testing.T) {
	// A community left at exporting by an interrupted run must export
	// again in full, not bounce off its own status.
	source := &fakeSource{
		users: syntheticUsers(300),
		posts: syntheticPosts(30),
	}
	consumer := &collectingConsumer{}
	progress := &fakeProgress{status: checkpoint.StatusExporting}

	runner := NewRunner(exportConfig(2), source, consumer, progress)
	total, err := runner.ExportCommunity(context.Background(), testCommunity)
	require.NoError(t, err)
	require.Equal(t, int64(300+30), total)
	require.Len(t, consumer.users, 300)
	require.Len(t, consumer.posts, 30)
	require.Equal(t,
		[]checkpoint.Status{checkpoint.StatusExporting, checkpoint.StatusCompleted},
		progress.transitions)
	require.Equal(t, checkpoint.StatusCompleted, progress.status)
}

func TestExportPartitionRetryDoesNotDuplicate(t *testing.T) {
	source := &fakeSource{
		users:     syntheticUsers(500),
		failCalls: map[int]bool{2: true},
	}
	consumer := &collectingConsumer{}
	progress := &fakeProgress{}

	runner := NewRunner(exportConfig(2), source, consumer, progress)
	total, err := runner.ExportCommunity(context.Background(), testCommunity)
	require.NoError(t, err)
	require.Equal(t, int64(500), total)

	require.Len(t, consumer.users, 500)
	seen := make(map[string]bool, len(consumer.users))
	for _, u := range consumer.users {
		require.Falsef(t, seen[u.Username], "user %s exported twice after retry", u.Username)
		seen[u.Username] = true
	}
	require.Nil(t, progress.failedWith)
}

func TestExportPersistentFailureMarksFailed(t *testing.T) {
	failing := map[int]bool{}
	for i := 1; i < 50; i++ {
		failing[i] = true
	}
	source := &fakeSource{users: syntheticUsers(50), failCalls: failing}
	progress := &fakeProgress{}

	runner := NewRunner(exportConfig(1), source, &collectingConsumer{}, progress)
	_, err := runner.ExportCommunity(context.Background(), testCommunity)
	require.Error(t, err)
	require.Error(t, progress.failedWith)
	require.NotContains(t, progress.transitions, checkpoint.StatusCompleted)
}

func TestExportCancellationStopsBetweenPages(t *testing.T) {
	source := &fakeSource{users: syntheticUsers(5000)}
	progress := &fakeProgress{}
	consumer := &blockingConsumer{release: make(chan struct{})}

	runner := NewRunner(exportConfig(1), source, consumer, progress)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := runner.ExportCommunity(ctx, testCommunity)
		done <- err
	}()

	<-consumer.firstPage()
	cancel()
	close(consumer.release)

	err := <-done
	require.Error(t, err)
	require.NotContains(t, progress.transitions, checkpoint.StatusCompleted)
}

// blockingConsumer parks the first Users page until released, giving
// the test a deterministic point to cancel at.
type blockingConsumer struct {
	once    sync.Once
	first   chan struct{}
	release chan struct{}
	mu      sync.Mutex
}

func (c *blockingConsumer) firstPage() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.first == nil {
		c.first = make(chan struct{})
	}
	return c.first
}

func (c *blockingConsumer) Users(ctx context.Context, _ model.Community, _ []model.User) error {
	c.once.Do(func() {
		c.mu.Lock()
		if c.first == nil {
			c.first = make(chan struct{})
		}
		c.mu.Unlock()
		close(c.first)
		<-c.release
	})
	return ctx.Err()
}

func (c *blockingConsumer) Posts(context.Context, model.Community, []model.Post) error {
	return nil
}

func (c *blockingConsumer) Comments(context.Context, model.Community, []model.Comment) error {
	return nil
}
