package history

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// catalogs returns every backend available in this environment.
func catalogs(t *testing.T) map[string]Catalog {
	t.Helper()
	fc, err := NewFileCatalog(t.TempDir())
	require.NoError(t, err)
	out := map[string]Catalog{
		"memory": NewMemoryCatalog(),
		"file":   fc,
	}
	if uri := os.Getenv("CHATCORE_TEST_MONGO_URI"); uri != "" {
		client, err := ConnectMongo(context.Background(), uri, 10*time.Second)
		require.NoError(t, err)
		db := fmt.Sprintf("chatcore_test_%d", time.Now().UnixNano())
		t.Cleanup(func() {
			_ = client.Database(db).Drop(context.Background())
		})
		out["mongo"] = NewMongoCatalog(client, db, nil, 10*time.Second)
	}
	return out
}

func forEachBackend(t *testing.T, fn func(t *testing.T, c Catalog)) {
	for name, c := range catalogs(t) {
		t.Run(name, func(t *testing.T) { fn(t, c) })
	}
}

func TestAppend_CreatesAndPreservesOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Catalog) {
		ctx := context.Background()
		st := c.ForMode("general")
		id := NewID("u1", time.Date(2024, 3, 5, 10, 11, 12, 345678000, time.UTC))
		seed := Seed{UserID: "u1", BotMode: "general", SessionInfo: map[string]any{"chat": "telegram"}}

		_, found, err := st.Load(ctx, id)
		require.NoError(t, err)
		require.False(t, found)

		s, err := st.Append(ctx, id, seed, SystemMessage("be nice"), UserMessage("hi"))
		require.NoError(t, err)
		require.Equal(t, "u1", s.UserID)
		require.Equal(t, "general", s.BotMode)
		require.Len(t, s.Messages, 2)

		call := ToolCall{ID: "c1", Name: "clock", Arguments: `{}`}
		_, err = st.Append(ctx, id, Seed{BotMode: "ignored"},
			Message{Role: RoleAssistant, ToolCalls: []ToolCall{call}},
			ToolResultMessage(call, "noon"),
			AssistantMessage("It is noon."),
		)
		require.NoError(t, err)

		got, found, err := st.Load(ctx, id)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "general", got.BotMode, "seed only applies on insert")
		require.Equal(t, []string{RoleSystem, RoleUser, RoleAssistant, RoleTool, RoleAssistant}, roles(got.Messages))
		require.Equal(t, "c1", got.Messages[3].ToolCallID)
		require.Equal(t, []ToolCall{call}, got.Messages[2].ToolCalls)
		require.Equal(t, "telegram", got.SessionInfo["chat"])
		require.False(t, got.LastUpdatedAt.Before(got.CreatedAt))
	})
}

func TestAppend_ConcurrentBatchesAllLand(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Catalog) {
		ctx := context.Background()
		st := c.ForMode("general")
		id := NewID("racer", time.Now())

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := st.Append(ctx, id, Seed{UserID: "racer"},
					UserMessage(fmt.Sprintf("q%d", i)), AssistantMessage(fmt.Sprintf("a%d", i)))
				require.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, _, err := st.Load(ctx, id)
		require.NoError(t, err)
		require.Len(t, got.Messages, 16)
		for i := 0; i < 16; i += 2 {
			q := got.Messages[i].Content
			require.Equal(t, "a"+q[1:], got.Messages[i+1].Content, "batches are never interleaved")
		}
	})
}

func TestAppend_SeedPrefixOnlyOnCreate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Catalog) {
		ctx := context.Background()
		st := c.ForMode("general")
		id := NewID("u5", time.Now())
		seed := Seed{UserID: "u5", BotMode: "general", Prefix: []Message{SystemMessage("be brief")}}

		s, err := st.Append(ctx, id, seed, UserMessage("$price of eggs"), AssistantMessage("cheap"))
		require.NoError(t, err)
		require.Equal(t, []string{RoleSystem, RoleUser, RoleAssistant}, roles(s.Messages))
		require.Equal(t, "general", s.BotMode)

		_, err = st.Append(ctx, id, seed, UserMessage("and milk?"))
		require.NoError(t, err)

		got, _, err := st.Load(ctx, id)
		require.NoError(t, err)
		require.Equal(t, []string{RoleSystem, RoleUser, RoleAssistant, RoleUser}, roles(got.Messages))
		require.Equal(t, "be brief", got.Messages[0].Content)
		require.Equal(t, "$price of eggs", got.Messages[1].Content)
		require.Equal(t, "u5", got.UserID)
	})
}

func TestUpsert_ReplacesAndModesAreSeparate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Catalog) {
		ctx := context.Background()
		id := NewID("u2", time.Now())
		created := time.Now().Add(-time.Hour)

		_, err := c.ForMode("general").Upsert(ctx, Session{
			ID: id, UserID: "u2", BotMode: "general", CreatedAt: created,
			Messages: []Message{SystemMessage("")},
		})
		require.NoError(t, err)

		_, found, err := c.ForMode("cheflog").Load(ctx, id)
		require.NoError(t, err)
		require.False(t, found, "each mode has its own namespace")

		_, err = c.ForMode("general").Upsert(ctx, Session{
			ID: id, UserID: "u2", BotMode: "general", CreatedAt: created,
			Messages: []Message{SystemMessage("v2"), UserMessage("x")},
		})
		require.NoError(t, err)

		got, found, err := c.ForMode("general").Load(ctx, id)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []string{RoleSystem, RoleUser}, roles(got.Messages))
		require.Equal(t, created.UTC().Truncate(time.Microsecond), got.CreatedAt)
	})
}

func TestRefreshSystem_OnlyWhenBlank(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Catalog) {
		ctx := context.Background()
		st := c.ForMode("general")

		blank := NewID("u3", time.Now())
		_, err := st.Append(ctx, blank, Seed{UserID: "u3"}, SystemMessage("  \n"), UserMessage("hi"))
		require.NoError(t, err)
		require.NoError(t, st.RefreshSystem(ctx, blank, "fresh"))
		got, _, err := st.Load(ctx, blank)
		require.NoError(t, err)
		require.Equal(t, "fresh", got.Messages[0].Content)

		require.NoError(t, st.RefreshSystem(ctx, blank, "again"))
		got, _, err = st.Load(ctx, blank)
		require.NoError(t, err)
		require.Equal(t, "fresh", got.Messages[0].Content, "populated instructions are kept")

		require.NoError(t, st.RefreshSystem(ctx, NewID("nobody", time.Now()), "x"))
	})
}

func TestListByUser_RecentFirstAndOldIDsLoadable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Catalog) {
		ctx := context.Background()
		st := c.ForMode("general")
		base := time.Now()

		first := NewID("u4", base)
		second := NewID("u4", base.Add(time.Second))
		_, err := st.Append(ctx, first, Seed{UserID: "u4"}, SystemMessage("s"), UserMessage("old"))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		_, err = st.Append(ctx, second, Seed{UserID: "u4"}, SystemMessage("s"), UserMessage("new"))
		require.NoError(t, err)
		_, err = st.Append(ctx, NewID("other", base), Seed{UserID: "other"}, UserMessage("x"))
		require.NoError(t, err)

		list, err := st.ListByUser(ctx, "u4")
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, second, list[0].ID)
		require.Equal(t, first, list[1].ID)

		old, found, err := st.Load(ctx, first)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "old", old.Messages[1].Content)
	})
}

func TestFile_CorruptFileIsMovedAside(t *testing.T) {
	dir := t.TempDir()
	fc, err := NewFileCatalog(dir)
	require.NoError(t, err)
	st := fc.ForMode("general")
	id := NewID("u5", time.Now())

	require.NoError(t, os.MkdirAll(dir+"/general", 0o700))
	require.NoError(t, os.WriteFile(dir+"/general/u5.json", []byte("{not json"), 0o600))

	_, found, err := st.Load(context.Background(), id)
	require.NoError(t, err)
	require.False(t, found)

	matches, err := os.ReadDir(dir + "/general")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Contains(t, matches[0].Name(), "u5.json.corrupt-")

	_, err = st.Append(context.Background(), id, Seed{}, UserMessage("hi"))
	require.NoError(t, err)
}

func TestFile_RejectsUnsafeIDs(t *testing.T) {
	fc, err := NewFileCatalog(t.TempDir())
	require.NoError(t, err)
	st := fc.ForMode("general")

	_, err = st.Append(context.Background(), "../etc_01012024_000000_000000", Seed{}, UserMessage("x"))
	require.Error(t, err)
	_, err = st.Append(context.Background(), "not-a-session-id", Seed{}, UserMessage("x"))
	require.Error(t, err)
	_, err = st.ListByUser(context.Background(), "a/b")
	require.Error(t, err)
}

func TestFile_UnwritableDirIsUnavailable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	dir := t.TempDir()
	fc, err := NewFileCatalog(dir)
	require.NoError(t, err)
	st := fc.ForMode("general")
	require.NoError(t, os.MkdirAll(dir+"/general", 0o500))

	_, err = st.Append(context.Background(), NewID("u6", time.Now()), Seed{}, UserMessage("x"))
	require.ErrorIs(t, err, ErrStoreUnavailable)
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, "file", ue.Backend)
}

func roles(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}
