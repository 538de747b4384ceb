package file

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/untoxa/tll/channel"
	"github.com/untoxa/tll/config"
)

func openFile(t *testing.T, path, mode string, extra string) *File {
	t.Helper()
	raw := "file://" + path + "?mode=" + mode
	if extra != "" {
		raw += ";" + extra
	}
	u, err := channel.ParseURL(raw)
	require.NoError(t, err)

	f := New("f-"+mode, nil)
	require.NoError(t, f.Init(u, nil))
	return f
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.dat")

	w := openFile(t, path, "w", "")
	require.NoError(t, w.Open(nil))

	for seq := int64(1); seq <= 5; seq++ {
		err := w.Post(&channel.Msg{Type: channel.Data, MsgID: 42, Seq: seq, Data: []byte("payload")}, 0)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close(false))

	r := openFile(t, path, "r", "")
	require.NoError(t, r.Open(nil))

	var received []channel.Msg
	require.NoError(t, r.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		received = append(received, msg.Clone())
		return 0
	}, nil, channel.MaskData))

	for i := 0; i < 5; i++ {
		err := r.Process(0, 0)
		require.NoError(t, err)
	}

	require.Len(t, received, 5)
	for i, msg := range received {
		require.Equal(t, int64(i+1), msg.Seq)
		require.Equal(t, int32(42), msg.MsgID)
		require.Equal(t, "payload", string(msg.Data))
	}
}

func TestFileWriterResumesAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.dat")

	w1 := openFile(t, path, "w", "")
	require.NoError(t, w1.Open(nil))
	require.NoError(t, w1.Post(&channel.Msg{Type: channel.Data, Seq: 1, Data: []byte("a")}, 0))
	require.NoError(t, w1.Post(&channel.Msg{Type: channel.Data, Seq: 2, Data: []byte("b")}, 0))
	require.NoError(t, w1.Close(false))

	w2 := openFile(t, path, "w", "")
	require.NoError(t, w2.Open(nil))
	require.Equal(t, int64(2), w2.currentSeq())

	require.NoError(t, w2.Post(&channel.Msg{Type: channel.Data, Seq: 3, Data: []byte("c")}, 0))
	require.NoError(t, w2.Close(false))

	r := openFile(t, path, "r", "")
	require.NoError(t, r.Open(nil))
	var seqs []int64
	require.NoError(t, r.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		seqs = append(seqs, msg.Seq)
		return 0
	}, nil, channel.MaskData))
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Process(0, 0))
	}
	require.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestFileSeqRegressionRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.dat")

	w := openFile(t, path, "w", "")
	require.NoError(t, w.Open(nil))
	require.NoError(t, w.Post(&channel.Msg{Type: channel.Data, Seq: 5, Data: []byte("x")}, 0))
	err := w.Post(&channel.Msg{Type: channel.Data, Seq: 4, Data: []byte("y")}, 0)
	require.Error(t, err)
}

func TestFileBlockCrossing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.dat")

	// a tiny block size forces every post to cross into a new block.
	w := openFile(t, path, "w", "block=64")
	require.NoError(t, w.Open(nil))
	for seq := int64(1); seq <= 4; seq++ {
		require.NoError(t, w.Post(&channel.Msg{Type: channel.Data, Seq: seq, Data: []byte("0123456789")}, 0))
	}
	require.NoError(t, w.Close(false))

	r := openFile(t, path, "r", "")
	require.NoError(t, r.Open(nil))
	var seqs []int64
	require.NoError(t, r.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		seqs = append(seqs, msg.Seq)
		return 0
	}, nil, channel.MaskData))
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Process(0, 0))
	}
	require.Equal(t, []int64{1, 2, 3, 4}, seqs)
}

func TestFileOpenReaderBySeq(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.dat")

	w := openFile(t, path, "w", "")
	require.NoError(t, w.Open(nil))
	for seq := int64(1); seq <= 10; seq++ {
		require.NoError(t, w.Post(&channel.Msg{Type: channel.Data, Seq: seq, Data: []byte("z")}, 0))
	}
	require.NoError(t, w.Close(false))

	r := openFile(t, path, "r", "")
	params := config.New()
	require.NoError(t, params.Set("seq", "6"))
	require.NoError(t, r.Open(params))

	// info.seq must already reflect the resume point right after Open,
	// before any Process() call - callers like channel/stream read it
	// immediately to resolve where a catchup or block reader landed.
	infoSeq, ok := r.Config().Get("info.seq")
	require.True(t, ok)
	require.Equal(t, "5", infoSeq)

	var seqs []int64
	require.NoError(t, r.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		seqs = append(seqs, msg.Seq)
		return 0
	}, nil, channel.MaskData))
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Process(0, 0))
	}
	require.Equal(t, []int64{6, 7, 8, 9, 10}, seqs)
}

func TestFileOpenReaderByBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.dat")

	// a tiny block size forces every post into its own block, so block N
	// holds exactly one data frame with seq N.
	w := openFile(t, path, "w", "block=64")
	require.NoError(t, w.Open(nil))
	for seq := int64(1); seq <= 4; seq++ {
		require.NoError(t, w.Post(&channel.Msg{Type: channel.Data, Seq: seq, Data: []byte("0123456789")}, 0))
	}
	require.NoError(t, w.Close(false))

	r := openFile(t, path, "r", "")
	params := config.New()
	require.NoError(t, params.Set("block", "2"))
	require.NoError(t, r.Open(params))

	// info.seq must expose (first data frame's seq - 1) for the
	// requested block immediately after Open, the same "resume from
	// seq+1" contract seekToSeq honors, so a consumer resolving
	// Request.Block never has to Process() first to learn where the
	// block actually starts.
	infoSeq, ok := r.Config().Get("info.seq")
	require.True(t, ok)
	resolved, err := strconv.ParseInt(infoSeq, 10, 64)
	require.NoError(t, err)

	var seqs []int64
	require.NoError(t, r.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		seqs = append(seqs, msg.Seq)
		return 0
	}, nil, channel.MaskData))
	for i := 0; i < 2; i++ {
		require.NoError(t, r.Process(0, 0))
	}
	require.Len(t, seqs, 2)
	require.Equal(t, resolved+1, seqs[0], "info.seq+1 must equal the first frame actually delivered")
}

func TestFileAttributesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.dat")

	w := openFile(t, path, "w", "")
	params := config.New()
	require.NoError(t, params.Set("attributes", "foo: bar\nbaz: qux\n"))
	require.NoError(t, w.Open(params))
	require.NoError(t, w.Post(&channel.Msg{Type: channel.Data, Seq: 1, Data: []byte("x")}, 0))
	require.NoError(t, w.Close(false))

	r := openFile(t, path, "r", "")
	require.NoError(t, r.Open(nil))
	defer r.Close(false)

	raw, ok := r.Config().Get("info.attributes")
	require.True(t, ok)

	var got map[string]string
	require.NoError(t, yaml.Unmarshal([]byte(raw), &got))
	require.Equal(t, map[string]string{"foo": "bar", "baz": "qux"}, got)
}

func TestFileAutocloseAtEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.dat")

	w := openFile(t, path, "w", "")
	require.NoError(t, w.Open(nil))
	require.NoError(t, w.Post(&channel.Msg{Type: channel.Data, Seq: 1, Data: []byte("x")}, 0))
	require.NoError(t, w.Close(false))

	r := openFile(t, path, "r", "")
	require.NoError(t, r.Open(nil))
	require.NoError(t, r.Process(0, 0))
	require.Equal(t, channel.Active, r.State())
	require.NoError(t, r.Process(0, 0))
	require.Equal(t, channel.Closed, r.State())
}
