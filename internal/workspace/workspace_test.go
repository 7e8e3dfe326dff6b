package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsync-dev/flowsync/internal/model"
	"github.com/flowsync-dev/flowsync/pkg/cerr"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	return New(t.TempDir())
}

func TestLayoutPaths(t *testing.T) {
	assert.Equal(t, "projects/acme", ProjectDir("acme"))
	assert.Equal(t, "projects/acme/support", AgentDir("acme", "support"))
	assert.Equal(t, "projects/acme/support/greeting", FlowDir("acme", "support", "greeting"))
	assert.Equal(t, "projects/acme/support/greeting/hello", SkillDir("acme", "support", "greeting", "hello"))
	assert.Equal(t, "projects/acme/support/metadata.yaml", MetaPath(AgentDir("acme", "support")))
	assert.Equal(t, "projects/acme/support/greeting/hello/hello.guidance",
		ScriptPath(SkillDir("acme", "support", "greeting", "hello"), "hello", model.RunnerGuidance))
	assert.Equal(t, "projects/acme/support/greeting/hello/hello.jinja",
		ScriptPath(SkillDir("acme", "support", "greeting", "hello"), "hello", model.RunnerJinja))
}

func TestMetadataRoundTrip(t *testing.T) {
	ws := newWorkspace(t)
	dir := FlowDir("acme", "support", "greeting")

	flow := &model.Flow{
		ID:     "f1",
		Idn:    "greeting",
		Title:  "Greeting",
		Runner: model.RunnerGuidance,
		Events: []model.Event{{Idn: "started", Title: "Started"}},
	}
	data, err := ws.WriteFlow(dir, flow)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	loaded, err := ws.ReadFlow(dir)
	require.NoError(t, err)
	assert.Equal(t, flow.ID, loaded.ID)
	assert.Equal(t, flow.Runner, loaded.Runner)
	require.Len(t, loaded.Events, 1)
	assert.Equal(t, "started", loaded.Events[0].Idn)
}

func TestSkillContentStaysOutOfMetadata(t *testing.T) {
	ws := newWorkspace(t)
	dir := SkillDir("acme", "support", "greeting", "hello")

	data, err := ws.WriteSkill(dir, &model.Skill{
		ID:      "s1",
		Idn:     "hello",
		Content: "never serialized",
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "never serialized")
}

func TestScanIgnoresDirsWithoutMetadata(t *testing.T) {
	ws := newWorkspace(t)

	_, err := ws.WriteAgent(AgentDir("acme", "support"), &model.Agent{Idn: "support"})
	require.NoError(t, err)
	_, err = ws.WriteAgent(AgentDir("acme", "billing"), &model.Agent{Idn: "billing"})
	require.NoError(t, err)
	// Bare directory with no metadata file, e.g. an editor backup dir.
	require.NoError(t, ws.WriteFile("projects/acme/scratch/notes.txt", []byte("x")))

	agents, err := ws.Agents("acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "support"}, agents)
}

func TestScanMissingDirIsEmpty(t *testing.T) {
	ws := newWorkspace(t)
	projects, err := ws.Projects()
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestScriptFile(t *testing.T) {
	ws := newWorkspace(t)
	dir := SkillDir("acme", "support", "greeting", "hello")
	require.NoError(t, ws.WriteFile(MetaPath(dir), []byte("idn: hello\n")))

	_, err := ws.ScriptFile(dir)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))

	require.NoError(t, ws.WriteFile(dir+"/hello.guidance", []byte("say hi")))
	name, err := ws.ScriptFile(dir)
	require.NoError(t, err)
	assert.Equal(t, "hello.guidance", name)

	// Non-script files never count as candidates.
	require.NoError(t, ws.WriteFile(dir+"/README.md", []byte("doc")))
	name, err = ws.ScriptFile(dir)
	require.NoError(t, err)
	assert.Equal(t, "hello.guidance", name)

	require.NoError(t, ws.WriteFile(dir+"/stale.jinja", []byte("old")))
	_, err = ws.ScriptFile(dir)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	assert.Contains(t, err.Error(), "hello.guidance")
	assert.Contains(t, err.Error(), "stale.jinja")
}

func TestRenameAndRemove(t *testing.T) {
	ws := newWorkspace(t)
	dir := SkillDir("acme", "support", "greeting", "hello")
	require.NoError(t, ws.WriteFile(dir+"/old-name.guidance", []byte("say hi")))

	require.NoError(t, ws.Rename(dir+"/old-name.guidance", dir+"/hello.guidance"))
	assert.False(t, ws.Exists(dir+"/old-name.guidance"))
	assert.True(t, ws.Exists(dir+"/hello.guidance"))

	require.NoError(t, ws.RemoveAll(dir))
	assert.False(t, ws.Exists(dir))
}
