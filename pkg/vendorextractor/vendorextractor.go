// Package vendorextractor implements VendorExtractor:
// pull a text layer out of an invoice PDF, run a small priority-ordered
// table of regex heuristics over it for amount/date/terms, and ask an
// LLM for a vendor-name guess from the first few pages. The LLM call
// is made at most once per invocation and sits behind its own
// CircuitBreaker; it is not retried.
package vendorextractor

import (
	"bytes"
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/go-logr/logr"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
	"github.com/afoxnyc3/invoice-agent/pkg/breaker"
)

// Confidence expresses how sure the extractor is about each field.
type Confidence struct {
	VendorGuess    float64
	InvoiceAmount  float64
	Currency       float64
	DueDate        float64
	PaymentTerms   float64
}

// Result is the extractor's output; every field is individually optional.
type Result struct {
	VendorGuess   string
	InvoiceAmount string // decimal string, to avoid float rounding of currency
	Currency      string // ISO 4217
	DueDate       string // ISO 8601 YYYY-MM-DD
	PaymentTerms  string
	Confidence    Confidence
}

// Extractor pulls structured hints out of an invoice PDF.
type Extractor struct {
	llm          anthropic.Client
	llmEnabled   bool
	llmModel     anthropic.Model
	llmBreaker   *breaker.Breaker
	maxBytes     int64
	llmPageLimit int
	log          logr.Logger
}

// Config tunes the extractor.
type Config struct {
	MaxPdfBytes  int64
	LLMPageChars int // approximate chars-per-page budget fed to the LLM
}

// New builds an Extractor. llmEnabled is false when the extractor LLM
// is disabled by configuration; in that case only the regex heuristics
// run and llm/llmBreaker are never touched.
func New(llm anthropic.Client, llmEnabled bool, model anthropic.Model, llmBreaker *breaker.Breaker, cfg Config, log logr.Logger) *Extractor {
	if cfg.MaxPdfBytes <= 0 {
		cfg.MaxPdfBytes = 10 * 1024 * 1024
	}
	if cfg.LLMPageChars <= 0 {
		cfg.LLMPageChars = 6000 // roughly the first handful of invoice pages
	}
	return &Extractor{llm: llm, llmEnabled: llmEnabled, llmModel: model, llmBreaker: llmBreaker, maxBytes: cfg.MaxPdfBytes, llmPageLimit: cfg.LLMPageChars, log: log}
}

// Extract runs the full pipeline over pdfBytes. useLLM lets callers
// (e.g. a config flag, or "text layer was empty") suppress the LLM
// call even when an Extractor is configured with one.
func (e *Extractor) Extract(ctx context.Context, pdfBytes []byte, useLLM bool) (Result, error) {
	if int64(len(pdfBytes)) > e.maxBytes {
		e.log.V(1).Info("pdf exceeds size limit, returning empty result", "bytes", len(pdfBytes), "limit", e.maxBytes)
		return Result{}, nil
	}

	text, err := extractText(pdfBytes)
	if err != nil {
		// Encrypted or otherwise unreadable PDFs degrade to an empty
		// result rather than failing the pipeline stage.
		e.log.V(1).Info("pdf text layer unreadable, returning empty result", "error", err.Error())
		return Result{}, nil
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, nil
	}

	result := applyHeuristics(text)

	if useLLM && e.llmEnabled {
		guess, err := e.guessVendor(ctx, text)
		if err != nil {
			// LLM failures degrade gracefully; the heuristic fields
			// extracted so far are still returned.
			e.log.Info("vendor guess LLM call failed", "error", err.Error())
		} else {
			result.VendorGuess = guess
			result.Confidence.VendorGuess = 0.7
		}
	}

	return result, nil
}

func (e *Extractor) guessVendor(ctx context.Context, text string) (string, error) {
	excerpt := text
	if len(excerpt) > e.llmPageLimit {
		excerpt = excerpt[:e.llmPageLimit]
	}

	return breaker.DoCtx(ctx, e.llmBreaker, func(ctx context.Context) (string, error) {
		msg, err := e.llm.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     e.llmModel,
			MaxTokens: 64,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(
					"Reply with only the vendor or billing company name found in this invoice text, nothing else:\n\n" + excerpt,
				)),
			},
		})
		if err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrorTypeTransient, "call extractor LLM")
		}
		if len(msg.Content) == 0 {
			return "", appErrors.New(appErrors.ErrorTypeTransient, "extractor LLM returned no content")
		}
		return strings.TrimSpace(msg.Content[0].Text), nil
	})
}

// heuristic is one priority-ordered regex rule.
type heuristic struct {
	field    string
	pattern  *regexp.Regexp
	priority int
}

var amountHeuristics = []heuristic{
	{"total_due", regexp.MustCompile(`(?i)total\s+due[:\s]+\$?([\d,]+\.\d{2})`), 1},
	{"amount_due", regexp.MustCompile(`(?i)amount\s+due[:\s]+\$?([\d,]+\.\d{2})`), 2},
	{"balance", regexp.MustCompile(`(?i)balance[:\s]+\$?([\d,]+\.\d{2})`), 3},
	{"total", regexp.MustCompile(`(?i)\btotal[:\s]+\$?([\d,]+\.\d{2})`), 4},
}

var dueDateHeuristic = regexp.MustCompile(`(?i)due\s+date[:\s]+(\d{1,2}[/-]\d{1,2}[/-]\d{2,4})`)
var paymentTermsHeuristic = regexp.MustCompile(`(?i)(net\s*\d{1,3}|due\s+on\s+receipt)`)
var currencyHeuristic = regexp.MustCompile(`(?i)\b(USD|EUR|GBP|CAD|AUD)\b`)

func applyHeuristics(text string) Result {
	var r Result

	for _, h := range amountHeuristics {
		if m := h.pattern.FindStringSubmatch(text); m != nil {
			r.InvoiceAmount = strings.ReplaceAll(m[1], ",", "")
			r.Confidence.InvoiceAmount = 1.0 / float64(h.priority)
			break
		}
	}

	if m := dueDateHeuristic.FindStringSubmatch(text); m != nil {
		if iso, ok := normalizeDate(m[1]); ok {
			r.DueDate = iso
			r.Confidence.DueDate = 0.8
		}
	}

	if m := paymentTermsHeuristic.FindStringSubmatch(text); m != nil {
		r.PaymentTerms = strings.ToUpper(strings.Join(strings.Fields(m[1]), " "))
		r.Confidence.PaymentTerms = 0.8
	}

	if m := currencyHeuristic.FindStringSubmatch(text); m != nil {
		r.Currency = strings.ToUpper(m[1])
		r.Confidence.Currency = 0.9
	}

	return r
}

// normalizeDate converts common M/D/YYYY or M-D-YY date shapes to ISO
// 8601.
func normalizeDate(raw string) (string, bool) {
	raw = strings.ReplaceAll(raw, "-", "/")
	parts := strings.Split(raw, "/")
	if len(parts) != 3 {
		return "", false
	}
	month, err1 := strconv.Atoi(parts[0])
	day, err2 := strconv.Atoi(parts[1])
	year, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return "", false
	}
	if year < 100 {
		year += 2000
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Format("2006-01-02"), true
}

// extractText pulls the text layer out of a PDF's uncompressed content
// streams: a minimal, bounded scanner rather than a full PDF parser. It
// looks for the literal text-show operator "Tj" inside
// stream...endstream blocks and decodes the parenthesized string
// literal it follows; "TJ" array operators are not read.
// FlateDecode-compressed streams and image-only
// PDFs yield no matches, which correctly degrades to an empty result;
// it does not attempt decompression or OCR.
func extractText(pdfBytes []byte) (string, error) {
	if len(pdfBytes) < 5 || !bytes.HasPrefix(pdfBytes, []byte("%PDF-")) {
		return "", appErrors.New(appErrors.ErrorTypeValidation, "not a PDF")
	}
	if bytes.Contains(pdfBytes, []byte("/Encrypt")) {
		return "", appErrors.New(appErrors.ErrorTypeValidation, "encrypted PDF")
	}

	var out strings.Builder
	streamTag := []byte("stream")
	endTag := []byte("endstream")

	for pos := 0; pos < len(pdfBytes); {
		start := bytes.Index(pdfBytes[pos:], streamTag)
		if start < 0 {
			break
		}
		start += pos + len(streamTag)
		end := bytes.Index(pdfBytes[start:], endTag)
		if end < 0 {
			break
		}
		end += start

		extractShowOperators(pdfBytes[start:end], &out)
		pos = end + len(endTag)
	}

	return out.String(), nil
}

var showOperator = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*Tj`)

func extractShowOperators(stream []byte, out *strings.Builder) {
	for _, m := range showOperator.FindAllSubmatch(stream, -1) {
		out.Write(unescapePDFString(m[1]))
		out.WriteByte(' ')
	}
}

func unescapePDFString(lit []byte) []byte {
	out := make([]byte, 0, len(lit))
	for i := 0; i < len(lit); i++ {
		if lit[i] == '\\' && i+1 < len(lit) {
			i++
			switch lit[i] {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			default:
				out = append(out, lit[i])
			}
			continue
		}
		out = append(out, lit[i])
	}
	return out
}
