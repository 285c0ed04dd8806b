package export

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/17Amir17/redd-archiver/internal/model"
)

func TestNDJSONWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewNDJSONWriter(dir)
	ctx := context.Background()

	posts := []model.Post{
		{ID: "p1", Platform: "reddit", Subreddit: "golang", Title: "first", CreatedUTC: 100},
		{ID: "p2", Platform: "reddit", Subreddit: "golang", Title: "second", CreatedUTC: 200},
	}
	users := []model.User{
		{Username: "alice", Platform: "reddit", PostCount: 2, CommentCount: 3},
	}
	require.NoError(t, w.Posts(ctx, testCommunity, posts))
	require.NoError(t, w.Users(ctx, testCommunity, users))
	require.NoError(t, w.Close())

	postPath := filepath.Join(dir, "reddit", "golang", "posts.ndjson")
	f, err := os.Open(postPath)
	require.NoError(t, err)
	defer f.Close()

	var decoded []model.Post
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var p model.Post
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &p))
		decoded = append(decoded, p)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, decoded, 2)
	require.Equal(t, "p1", decoded[0].ID)
	require.Equal(t, "second", decoded[1].Title)

	data, err := os.ReadFile(filepath.Join(dir, "reddit", "golang", "users.ndjson"))
	require.NoError(t, err)
	var u userRecord
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &u))
	require.Equal(t, "alice", u.Username)
	require.Equal(t, int64(5), u.TotalActivity, "derived total must ride along")
}

func TestNDJSONWriterConcurrentPages(t *testing.T) {
	dir := t.TempDir()
	w := NewNDJSONWriter(dir)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			page := []model.User{{Username: "u" + string(rune('a'+i)), Platform: "reddit"}}
			if err := w.Users(ctx, testCommunity, page); err != nil {
				t.Errorf("Users: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	f, err := os.Open(filepath.Join(dir, "reddit", "golang", "users.ndjson"))
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var u userRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &u), "interleaved write corrupted a line")
		lines++
	}
	require.Equal(t, 8, lines)
}
