package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockMigrator struct {
	mock.Mock
}

func (m *mockMigrator) Up() error         { return m.Called().Error(0) }
func (m *mockMigrator) Down() error       { return m.Called().Error(0) }
func (m *mockMigrator) Steps(n int) error { return m.Called(n).Error(0) }
func (m *mockMigrator) Force(v int) error { return m.Called(v).Error(0) }
func (m *mockMigrator) Close() error      { return m.Called().Error(0) }

func (m *mockMigrator) Version() (uint, bool, bool, error) {
	args := m.Called()
	return args.Get(0).(uint), args.Bool(1), args.Bool(2), args.Error(3)
}

func execute(t *testing.T, m *mockMigrator, args ...string) (string, error) {
	t.Helper()
	var openedWith string
	opts := &options{
		open: func(url string) (migrator, error) {
			openedWith = url
			return m, nil
		},
		logger: zaptest.NewLogger(t),
	}
	cmd := newRootCmd(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--database-url", "postgres://localhost/prerana"}, args...))
	err := cmd.Execute()
	if err == nil {
		assert.Equal(t, "postgres://localhost/prerana", openedWith)
	}
	return out.String(), err
}

func TestUp(t *testing.T) {
	m := new(mockMigrator)
	m.On("Up").Return(nil).Once()
	m.On("Steps", 2).Return(nil).Once()
	m.On("Close").Return(nil)

	_, err := execute(t, m, "up")
	require.NoError(t, err)
	_, err = execute(t, m, "up", "--steps", "2")
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestDown(t *testing.T) {
	m := new(mockMigrator)
	m.On("Steps", -1).Return(nil).Once()
	m.On("Down").Return(nil).Once()
	m.On("Close").Return(nil)

	_, err := execute(t, m, "down", "--steps", "1")
	require.NoError(t, err)
	_, err = execute(t, m, "down", "--all")
	require.NoError(t, err)

	_, err = execute(t, m, "down")
	assert.ErrorContains(t, err, "--steps N or --all")
	_, err = execute(t, m, "down", "--all", "--steps", "1")
	assert.ErrorContains(t, err, "mutually exclusive")
	m.AssertExpectations(t)
}

func TestVersion(t *testing.T) {
	m := new(mockMigrator)
	m.On("Version").Return(uint(1), false, true, nil).Once()
	m.On("Version").Return(uint(0), false, false, nil).Once()
	m.On("Close").Return(nil)

	out, err := execute(t, m, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version 1 dirty=false")

	out, err = execute(t, m, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "no migrations applied")
}

func TestForce(t *testing.T) {
	m := new(mockMigrator)
	m.On("Force", 1).Return(nil).Once()
	m.On("Close").Return(nil)

	_, err := execute(t, m, "force", "1")
	require.NoError(t, err)
	_, err = execute(t, m, "force", "one")
	assert.ErrorContains(t, err, "invalid version")
	_, err = execute(t, m, "force")
	assert.Error(t, err)
}

func TestMigrationErrorPropagates(t *testing.T) {
	m := new(mockMigrator)
	m.On("Up").Return(errors.New("apply migrations: dirty database")).Once()
	m.On("Close").Return(nil)

	_, err := execute(t, m, "up")
	assert.ErrorContains(t, err, "dirty database")
}
