package voice

import "strings"

type part struct {
	text       string
	confidence float64
}

// UtteranceBuffer accumulates transcript fragments from multiple is_final
// Deepgram messages until speech_final signals the utterance is complete.
type UtteranceBuffer struct {
	parts []part
}

func NewUtteranceBuffer() *UtteranceBuffer {
	return &UtteranceBuffer{}
}

// Add appends one is_final fragment to the buffer.
func (b *UtteranceBuffer) Add(text string, confidence float64) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	b.parts = append(b.parts, part{text: text, confidence: confidence})
}

// Flush joins accumulated fragments into one utterance and resets the
// buffer. The returned confidence is the lowest reported across fragments,
// or zero when Deepgram reported none.
func (b *UtteranceBuffer) Flush() (string, float64) {
	if len(b.parts) == 0 {
		return "", 0
	}

	texts := make([]string, 0, len(b.parts))
	confidence := 0.0
	for _, p := range b.parts {
		texts = append(texts, p.text)
		if p.confidence > 0 && (confidence == 0 || p.confidence < confidence) {
			confidence = p.confidence
		}
	}
	b.parts = nil

	return strings.Join(texts, " "), confidence
}

func (b *UtteranceBuffer) Len() int {
	return len(b.parts)
}
