package device

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedChannel 按翻页按键逐页吐出预设输出
type scriptedChannel struct {
	pages   []string
	next    int
	queue   []byte
	writes  []string
	endless bool
	readErr error
	onNudge string
}

func newScripted(pages ...string) *scriptedChannel {
	ch := &scriptedChannel{pages: pages}
	if len(pages) > 0 {
		ch.queue = []byte(pages[0])
		ch.next = 1
	}
	return ch
}

func (s *scriptedChannel) Read(wait time.Duration) ([]byte, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	if len(s.queue) == 0 {
		time.Sleep(wait)
		return nil, nil
	}
	b := s.queue
	s.queue = nil
	return b, nil
}

func (s *scriptedChannel) Write(data string) error {
	s.writes = append(s.writes, data)
	switch {
	case data == " " && s.endless:
		s.queue = append(s.queue, "more rows\r\n  ---- More ----"...)
	case data == " " && s.next < len(s.pages):
		s.queue = append(s.queue, s.pages[s.next]...)
		s.next++
	case data == "\n" && s.onNudge != "":
		s.queue = append(s.queue, s.onNudge...)
	}
	return nil
}

func fastPager() Pager {
	return Pager{
		Timeout:      2 * time.Second,
		PollInterval: time.Millisecond,
		StablePolls:  3,
	}
}

func TestPagerContinuesEachPage(t *testing.T) {
	ch := newScripted(
		"show interfaces\r\npage one\r\n --More-- ",
		"\b\b\b\b\b\b\b\b\bpage two\r\n --More-- ",
		"\b\b\b\b\b\b\b\b\bpage three\r\nrouter#",
	)

	res, err := fastPager().Collect(context.Background(), ch)
	require.NoError(t, err)

	out := string(res.Raw)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, []string{" ", " "}, ch.writes, "三页输出应发送两次翻页按键")
	assert.NotContains(t, out, "More")
	for _, want := range []string{"page one", "page two", "page three"} {
		assert.Contains(t, out, want)
	}
	assert.False(t, res.Settled)
}

func TestPagerNudgesOnceWhenOutputSettles(t *testing.T) {
	ch := newScripted("partial output\r\n")

	res, err := fastPager().Collect(context.Background(), ch)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, []string{"\n"}, ch.writes, "输出稳定后只诱发一次提示符")
}

func TestPagerNudgeProvokesPrompt(t *testing.T) {
	ch := newScripted("partial output\r\n")
	ch.onNudge = "\r\nrouter#"

	res, err := fastPager().Collect(context.Background(), ch)
	require.NoError(t, err)
	assert.False(t, res.Settled)
	assert.True(t, strings.HasSuffix(string(res.Raw), "router#"))
}

func TestPagerTimeoutWithoutData(t *testing.T) {
	p := fastPager()
	p.Timeout = 30 * time.Millisecond

	_, err := p.Collect(context.Background(), newScripted())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandTimeout))
}

func TestPagerAbortsAfterMaxPages(t *testing.T) {
	ch := newScripted("rows\r\n  ---- More ----")
	ch.endless = true
	p := fastPager()
	p.MaxPages = 3

	res, err := p.Collect(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pages)
	assert.True(t, res.Truncated)
	assert.Equal(t, []string{" ", " ", " ", "\x03"}, ch.writes)
}

func TestPagerReadError(t *testing.T) {
	ch := newScripted()
	ch.readErr = errors.New("connection reset by peer")

	_, err := fastPager().Collect(context.Background(), ch)
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
}
