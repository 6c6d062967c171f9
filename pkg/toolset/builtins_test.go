package toolset

import (
	"context"
	"testing"

	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	sets        []string
	activated   []string
	deactivated []string
}

func (f *fakeController) AgentID() string   { return "agent-1" }
func (f *fakeController) SessionID() string { return "session-1" }

func (f *fakeController) RequestToolSetActivation(names ...string) {
	f.activated = append(f.activated, names...)
}

func (f *fakeController) RequestToolSetDeactivation(names ...string) {
	f.deactivated = append(f.deactivated, names...)
}

func (f *fakeController) ToolSetNames() []string { return f.sets }

type plainAgent struct{}

func (plainAgent) AgentID() string   { return "plain" }
func (plainAgent) SessionID() string { return "s" }

func names(v ...string) map[string]interface{} {
	list := make([]interface{}, len(v))
	for i, s := range v {
		list[i] = s
	}
	return map[string]interface{}{"names": list}
}

func TestActivateTool(t *testing.T) {
	ctrl := &fakeController{sets: []string{"system", "fs", "shell"}}
	tool := NewActivateTool()

	out, err := tool.Execute(context.Background(), names("fs", "shell"), ctrl)
	require.NoError(t, err)
	assert.Contains(t, out, "fs, shell")
	assert.Equal(t, []string{"fs", "shell"}, ctrl.activated)
}

func TestActivateToolRejectsUnknownSets(t *testing.T) {
	ctrl := &fakeController{sets: []string{"fs"}}

	_, err := NewActivateTool().Execute(context.Background(), names("fs", "web"), ctrl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool sets: web")
	assert.Empty(t, ctrl.activated)
}

func TestActivateToolRequiresController(t *testing.T) {
	_, err := NewActivateTool().Execute(context.Background(), names("fs"), plainAgent{})
	assert.Error(t, err)
}

func TestActivateToolRejectsEmptyNames(t *testing.T) {
	ctrl := &fakeController{sets: []string{"fs"}}
	_, err := NewActivateTool().Execute(context.Background(), names(), ctrl)
	assert.Error(t, err)
}

func TestDeactivateTool(t *testing.T) {
	ctrl := &fakeController{sets: []string{"system", "fs"}}
	tool := NewDeactivateTool()

	_, err := tool.Execute(context.Background(), names("fs"), ctrl)
	require.NoError(t, err)
	assert.Equal(t, []string{"fs"}, ctrl.deactivated)

	_, err = tool.Execute(context.Background(), names(SystemToolSetName), ctrl)
	assert.Error(t, err)
	assert.Equal(t, []string{"fs"}, ctrl.deactivated)
}

func TestSystemToolSet(t *testing.T) {
	set := NewSystemToolSet(AutoApprovalHandler{})

	assert.Equal(t, SystemToolSetName, set.Name)
	assert.True(t, set.Active)
	assert.True(t, set.AlwaysActive)

	var got []string
	for _, tool := range set.Tools {
		got = append(got, tool.Name())
	}
	assert.Equal(t, []string{ActivateToolName, DeactivateToolName, ApprovalToolName}, got)

	_, isValidator := set.Tools[0].(toolexecutor.ParamValidator)
	assert.True(t, isValidator)
}
