package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sutra-memory/internal/readview"
)

func sampleConcepts() []*readview.Concept {
	now := time.Unix(1_700_000_000, 0).UTC()
	return []*readview.Concept{
		{
			ID:         "0123456789abcdef",
			Content:    "the quick brown fox",
			Embedding:  []float32{0.1, 0.2, 0.3, 0.4},
			Strength:   0.75,
			Confidence: 0.9,
			Metadata: readview.ConceptMetadata{
				ConceptType:    "fact",
				OrganizationID: "org-1",
				Tags:           []string{"animal", "idiom"},
				Attributes:     map[string]string{"lang": "en"},
				CreatedAt:      now,
				LastAccessed:   now,
			},
		},
		{
			ID:         "fedcba9876543210",
			Content:    "",
			Embedding:  []float32{0.9, 0.8, 0.7, 0.6},
			Strength:   0.1,
			Confidence: 0.5,
			Metadata:   readview.ConceptMetadata{CreatedAt: now, LastAccessed: now},
		},
	}
}

func sampleAssocs() []readview.Association {
	return []readview.Association{
		{SourceID: "0123456789abcdef", TargetID: "fedcba9876543210", AssocType: 1, Confidence: 0.42},
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.dat")

	concepts := sampleConcepts()
	assocs := sampleAssocs()
	require.NoError(t, Write(path, 7, 4, concepts, assocs))

	gen, d, gotConcepts, gotAssocs, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), gen)
	assert.Equal(t, 4, d)
	require.Len(t, gotConcepts, 2)
	require.Len(t, gotAssocs, 1)

	assert.Equal(t, concepts[0].ID, gotConcepts[0].ID)
	assert.Equal(t, concepts[0].Content, gotConcepts[0].Content)
	assert.Equal(t, concepts[0].Embedding, gotConcepts[0].Embedding)
	assert.Equal(t, concepts[0].Metadata.Tags, gotConcepts[0].Metadata.Tags)
	assert.Equal(t, concepts[0].Metadata.Attributes, gotConcepts[0].Metadata.Attributes)
	assert.Equal(t, concepts[1].Content, gotConcepts[1].Content)

	assert.Equal(t, assocs[0], gotAssocs[0])
}

func TestWriteIsAtomicNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.dat")

	require.NoError(t, Write(path, 1, 2, nil, nil))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.dat")
	require.NoError(t, Write(path, 1, 4, sampleConcepts(), sampleAssocs()))

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, fileHeaderSize+8) // corrupt inside first concept record
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, _, _, _, err = Load(path)
	require.Error(t, err)
}

func TestWriteEmptySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.dat")
	require.NoError(t, Write(path, 0, 8, nil, nil))

	gen, d, concepts, assocs, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), gen)
	assert.Equal(t, 8, d)
	assert.Empty(t, concepts)
	assert.Empty(t, assocs)
}
