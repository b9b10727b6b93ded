package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"deploy-keeper/internal/config"
	"deploy-keeper/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func earTree(target string) []models.ModuleRecord {
	return []models.ModuleRecord{
		{Target: target, ModuleID: "shop.ear", RootID: "shop.ear", Type: models.ModuleEAR},
		{Target: target, ModuleID: "shop.ear#web.war", ParentID: "shop.ear", RootID: "shop.ear", Position: 0, Type: models.ModuleWAR, WebURL: "http://" + target + "/web"},
		{Target: target, ModuleID: "shop.ear#ejb.jar", ParentID: "shop.ear", RootID: "shop.ear", Position: 1, Type: models.ModuleEJB},
	}
}

func moduleIDs(recs []models.ModuleRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Target+"/"+r.ModuleID)
	}
	return out
}

/**
 * Run the module store contract against one implementation
 * @param {*testing.T} t - Testing framework instance
 * @param {func(*testing.T) ModuleStore} open - Opens an empty store
 */
func runModuleStoreContract(t *testing.T, open func(t *testing.T) ModuleStore) {
	ctx := context.Background()

	t.Run("ReplaceRootAndList", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.ReplaceRoot(ctx, "t1", "shop.ear", earTree("t1")))
		require.NoError(t, st.ReplaceRoot(ctx, "t2", "shop.ear", earTree("t2")))

		all, err := st.ListModules(ctx, ModuleFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 6)

		t1, err := st.ListModules(ctx, ModuleFilter{Target: "t1", RootID: "shop.ear"})
		require.NoError(t, err)
		assert.Equal(t, []string{"t1/shop.ear", "t1/shop.ear#web.war", "t1/shop.ear#ejb.jar"}, moduleIDs(t1))
	})

	t.Run("ReplaceRootSwapsSubtree", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.ReplaceRoot(ctx, "t1", "shop.ear", earTree("t1")))
		only := earTree("t1")[:1]
		only[0].Running = true
		require.NoError(t, st.ReplaceRoot(ctx, "t1", "shop.ear", only))

		recs, err := st.ListModules(ctx, ModuleFilter{Target: "t1"})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.True(t, recs[0].Running)

		require.NoError(t, st.ReplaceRoot(ctx, "t1", "shop.ear", nil))
		recs, err = st.ListModules(ctx, ModuleFilter{Target: "t1"})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("ReplaceRootRejectsForeignRecords", func(t *testing.T) {
		st := open(t)
		err := st.ReplaceRoot(ctx, "t1", "other.war", earTree("t1"))
		assert.ErrorIs(t, err, models.ErrInvalidArgument)
	})

	t.Run("GetModule", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.ReplaceRoot(ctx, "t1", "shop.ear", earTree("t1")))
		rec, err := st.GetModule(ctx, "t1", "shop.ear#web.war")
		require.NoError(t, err)
		assert.Equal(t, "shop.ear", rec.ParentID)
		assert.Equal(t, models.ModuleWAR, rec.Type)

		_, err = st.GetModule(ctx, "t1", "missing.war")
		assert.ErrorIs(t, err, models.ErrModuleNotFound)
	})

	t.Run("Operations", func(t *testing.T) {
		st := open(t)
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, id := range []string{"op-1", "op-2", "op-3"} {
			require.NoError(t, st.SaveOperation(ctx, models.OperationRecord{
				ID:        id,
				Command:   models.CommandStart,
				State:     models.StateRunning,
				StartTime: base.Add(time.Duration(i) * time.Minute),
			}))
		}
		require.NoError(t, st.SaveOperation(ctx, models.OperationRecord{
			ID:        "op-1",
			Command:   models.CommandStart,
			State:     models.StateCompleted,
			StartTime: base,
		}))

		ops, err := st.ListOperations(ctx, 2)
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, "op-3", ops[0].ID)
		assert.Equal(t, "op-2", ops[1].ID)

		ops, err = st.ListOperations(ctx, 0)
		require.NoError(t, err)
		require.Len(t, ops, 3)
		assert.Equal(t, models.StateCompleted, ops[2].State)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runModuleStoreContract(t, func(t *testing.T) ModuleStore {
		return NewMemoryStore()
	})
}

/**
 * Test gorm store against a sqlite file in a temporary directory
 * @param {*testing.T} t - Testing framework instance
 */
func TestSqliteStoreContract(t *testing.T) {
	runModuleStoreContract(t, func(t *testing.T) ModuleStore {
		st, err := OpenGormStore("sqlite", filepath.Join(t.TempDir(), "db", "keeper.db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return st
	})
}

func TestOpenSelectsDriver(t *testing.T) {
	st, err := Open(&config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, st)

	_, err = Open(&config.StorageConfig{Driver: "oracle"})
	assert.Error(t, err)
}
