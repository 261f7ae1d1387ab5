package toy

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"saaya/internal/engine"
)

// FormatV1 is the only model file format understood by this package.
const FormatV1 = "toy/v1"

const (
	tokBOS       engine.Token = 0
	tokEOS       engine.Token = 1
	firstByteTok engine.Token = 2
	firstPiece   engine.Token = firstByteTok + 256

	bosText = "<s>"
	eosText = "</s>"

	defaultTrainCtx = 512
	unseenLogit     = -20
	maskedLogit     = -1e9
)

var ErrFormat = errors.New("toy: unsupported model format")

// ModelFile is the on-disk description of a toy model.
type ModelFile struct {
	Format       string   `yaml:"format"`
	Description  string   `yaml:"description"`
	Corpus       string   `yaml:"corpus"`
	Pieces       []string `yaml:"pieces,omitempty"`
	AddBOS       *bool    `yaml:"add_bos,omitempty"`
	ContextTrain int32    `yaml:"context_train,omitempty"`

	// FailContext makes every context creation fail.
	FailContext bool `yaml:"fail_context,omitempty"`
	// FailDecodeAt makes the n'th decode call (1-based) on a context fail.
	FailDecodeAt int `yaml:"fail_decode_at,omitempty"`
}

// Load reads and validates a model file.
func Load(path string) (ModelFile, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return ModelFile{}, fmt.Errorf("toy: failed to read model %q: %w", path, err)
	}
	var mf ModelFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return ModelFile{}, fmt.Errorf("toy: failed to parse model %q: %w", path, err)
	}
	if mf.Format != FormatV1 {
		return ModelFile{}, fmt.Errorf("%w %q in %q", ErrFormat, mf.Format, path)
	}
	for _, p := range mf.Pieces {
		if p == "" || !utf8.ValidString(p) {
			return ModelFile{}, fmt.Errorf("toy: invalid piece %q in %q", p, path)
		}
	}
	return mf, nil
}

// Save writes mf to path, filling in the format marker.
func Save(path string, mf ModelFile) error {
	if mf.Format == "" {
		mf.Format = FormatV1
	}
	data, err := yaml.Marshal(mf)
	if err != nil {
		return fmt.Errorf("toy: failed to encode model: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Model implements engine.Model.
type Model struct {
	eng    *Engine
	file   ModelFile
	params engine.ModelParams
	vocab  *Vocab

	// bigram[prev][next] counts, unigram[next] counts.
	bigram  map[engine.Token]map[engine.Token]int
	unigram map[engine.Token]int

	mu    sync.Mutex
	freed bool
}

func newModel(eng *Engine, mf ModelFile, params engine.ModelParams) *Model {
	m := &Model{
		eng:     eng,
		file:    mf,
		params:  params,
		vocab:   newVocab(mf),
		bigram:  make(map[engine.Token]map[engine.Token]int),
		unigram: make(map[engine.Token]int),
	}
	for _, line := range strings.Split(mf.Corpus, "\n") {
		if line == "" {
			continue
		}
		seq := append([]engine.Token{tokBOS}, m.vocab.encode(line, false)...)
		seq = append(seq, tokEOS)
		for i := 1; i < len(seq); i++ {
			row := m.bigram[seq[i-1]]
			if row == nil {
				row = make(map[engine.Token]int)
				m.bigram[seq[i-1]] = row
			}
			row[seq[i]]++
			m.unigram[seq[i]]++
		}
	}
	return m
}

func (m *Model) Desc() string {
	if m.file.Description != "" {
		return m.file.Description
	}
	return fmt.Sprintf("toy bigram %d-token", m.vocab.NTokens())
}

func (m *Model) Vocab() engine.Vocab { return m.vocab }

func (m *Model) NCtxTrain() int32 {
	if m.file.ContextTrain > 0 {
		return m.file.ContextTrain
	}
	return defaultTrainCtx
}

// Params returns the load parameters the model was opened with.
func (m *Model) Params() engine.ModelParams { return m.params }

func (m *Model) NewContext(p engine.ContextParams) (engine.Context, error) {
	if m.file.FailContext {
		return nil, fmt.Errorf("toy: context creation disabled by model file")
	}
	m.mu.Lock()
	freed := m.freed
	m.mu.Unlock()
	if freed {
		return nil, fmt.Errorf("toy: model is freed")
	}
	nCtx := p.NCtx
	if nCtx == 0 {
		nCtx = uint32(m.NCtxTrain())
	}
	nSeq := p.NSeqMax
	if nSeq == 0 {
		nSeq = 1
	}
	c := &Context{
		model:   m,
		nCtx:    nCtx,
		nSeqMax: nSeq,
		params:  p,
		next:    make(map[engine.SeqID]engine.Pos),
		lastOut: -1,
	}
	m.eng.contexts.Add(1)
	return c, nil
}

func (m *Model) Free() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return
	}
	m.freed = true
	m.eng.models.Add(-1)
}

// logitsAfter scores every vocabulary entry as a successor of prev.
func (m *Model) logitsAfter(prev engine.Token) []float32 {
	out := make([]float32, m.vocab.NTokens())
	counts := m.bigram[prev]
	if len(counts) == 0 {
		counts = m.unigram
	}
	for i := range out {
		out[i] = unseenLogit
	}
	for tok, n := range counts {
		out[tok] = float32(math.Log(float64(n)))
	}
	out[tokBOS] = maskedLogit
	return out
}

// Vocab implements engine.Vocab over bytes plus explicit pieces.
type Vocab struct {
	pieces []string
	// byLen holds piece ids ordered longest first for greedy matching.
	byLen  []engine.Token
	addBOS bool
}

func newVocab(mf ModelFile) *Vocab {
	v := &Vocab{pieces: mf.Pieces, addBOS: true}
	if mf.AddBOS != nil {
		v.addBOS = *mf.AddBOS
	}
	for i := range mf.Pieces {
		v.byLen = append(v.byLen, firstPiece+engine.Token(i))
	}
	sort.SliceStable(v.byLen, func(a, b int) bool {
		return len(v.piece(v.byLen[a])) > len(v.piece(v.byLen[b]))
	})
	return v
}

func (v *Vocab) piece(tok engine.Token) string {
	return v.pieces[tok-firstPiece]
}

func (v *Vocab) NTokens() int32 { return int32(firstPiece) + int32(len(v.pieces)) }

func (v *Vocab) BOS() engine.Token { return tokBOS }

func (v *Vocab) EOS() engine.Token { return tokEOS }

func (v *Vocab) AddBOS() bool { return v.addBOS }

func (v *Vocab) IsEOG(tok engine.Token) bool { return tok == tokEOS }

func (v *Vocab) encode(text string, parseSpecial bool) []engine.Token {
	var out []engine.Token
	for i := 0; i < len(text); {
		rest := text[i:]
		if parseSpecial {
			if strings.HasPrefix(rest, bosText) {
				out = append(out, tokBOS)
				i += len(bosText)
				continue
			}
			if strings.HasPrefix(rest, eosText) {
				out = append(out, tokEOS)
				i += len(eosText)
				continue
			}
		}
		matched := false
		for _, id := range v.byLen {
			if p := v.piece(id); strings.HasPrefix(rest, p) {
				out = append(out, id)
				i += len(p)
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, firstByteTok+engine.Token(text[i]))
			i++
		}
	}
	return out
}

func (v *Vocab) Tokenize(text string, buf []engine.Token, addSpecial, parseSpecial bool) int32 {
	if !utf8.ValidString(text) {
		return math.MinInt32
	}
	toks := v.encode(text, parseSpecial)
	if addSpecial && v.addBOS {
		toks = append([]engine.Token{tokBOS}, toks...)
	}
	if len(toks) > len(buf) {
		return -int32(len(toks))
	}
	return int32(copy(buf, toks))
}

func (v *Vocab) TokenToPiece(tok engine.Token, buf []byte, lstrip int32, special bool) int32 {
	var text string
	switch {
	case tok == tokBOS:
		if special {
			text = bosText
		}
	case tok == tokEOS:
		if special {
			text = eosText
		}
	case tok >= firstByteTok && tok < firstPiece:
		text = string([]byte{byte(tok - firstByteTok)})
	case tok >= firstPiece && int32(tok) < v.NTokens():
		text = v.piece(tok)
	default:
		return 0
	}
	for ; lstrip > 0 && strings.HasPrefix(text, " "); lstrip-- {
		text = text[1:]
	}
	if len(text) > len(buf) {
		return -int32(len(text))
	}
	return int32(copy(buf, text))
}
