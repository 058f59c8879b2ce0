package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStore = errors.New("store unavailable")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Unix(1700000000, 0)}
	cb := New(cfg)
	cb.now = c.now
	return cb, c
}

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 2,
	}
}

func TestExecute_PassesResultThrough(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	v, err := Execute(cb, func() (string, error) { return "room", nil })
	require.NoError(t, err)
	assert.Equal(t, "room", v)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	assert.ErrorIs(t, cb.Do(func() error { return errStore }), errStore)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Do(func() error { return errStore }), errStore)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	cb, c := newTestBreaker(testConfig())
	var transitions []string
	cb.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	_ = cb.Do(func() error { return errStore })
	_ = cb.Do(func() error { return errStore })
	c.advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Do(func() error { return nil }))
	require.NoError(t, cb.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, c := newTestBreaker(testConfig())
	_ = cb.Do(func() error { return errStore })
	_ = cb.Do(func() error { return errStore })
	c.advance(time.Second)

	_ = cb.Do(func() error { return errStore })
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	notFound := errors.New("not found")
	cfg := testConfig()
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, notFound) }
	cb, _ := newTestBreaker(cfg)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Do(func() error { return notFound }), notFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	_ = cb.Do(func() error { return errStore })
	_ = cb.Do(func() error { return errStore })
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}
