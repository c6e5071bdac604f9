package render

import (
	"context"
	"html"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/bytedance/sonic"
	"github.com/stokeworks/fastboot/internal/logging"
	"go.uber.org/zap"
)

const (
	// Boundary markers wrap the server-rendered body content so the
	// client-side bootstrap can find it byte-accurately.
	bodyStartMarker = `<script type="x/boundary" id="fastboot-body-start"></script>`
	bodyEndMarker   = `<script type="x/boundary" id="fastboot-body-end"></script>`

	// ShoeboxTagOpen is the opening pattern of a shoebox script element;
	// Chunks splits the body at every occurrence.
	ShoeboxTagOpen = `<script type="fastboot/shoebox"`

	// markerClass is the framework-injected class scrubbed at finalize.
	markerClass = "fastboot-rendered"
)

// captureScript pulls the document's full serialized markup out of the
// execution context after every mutation.
const captureScript = `() => {
	const doctype = document.doctype ? "<!DOCTYPE " + document.doctype.name + ">" : "";
	return document.documentElement ? doctype + document.documentElement.outerHTML : "";
}`

const scrubScript = `Array.prototype.forEach.call(
	document.querySelectorAll(".` + markerClass + `"),
	function (el) { el.classList.remove("` + markerClass + `"); }
);`

// DOMContents is the cached head/body inner markup pair.
type DOMContents struct {
	Head string
	Body string
}

// bootReporter is what a Result needs to know about its owning instance at
// finalize time.
type bootReporter interface {
	Booted() bool
}

// Result wraps one execution context plus the render info produced by the
// most recent visit. It owns DOM harvesting and HTML re-assembly, and stays
// usable when the context disappears mid-operation: the last good snapshot
// keeps serving HTML, Chunks and DOMContents.
type Result struct {
	ctx      *Context
	info     *Info
	reporter bootReporter
	log      *logging.Logger

	doc  *goquery.Document
	html string
	head string
	body string

	statusCode int
	headers    http.Header
	url        string
	finalized  bool

	errMu sync.Mutex
	err   error
}

// NewResult creates a result bound to an execution context.
func NewResult(ctx *Context, info *Info, reporter bootReporter, log *logging.Logger) *Result {
	if log == nil {
		log = logging.NewNop()
	}
	return &Result{
		ctx:        ctx,
		info:       info,
		reporter:   reporter,
		log:        log,
		statusCode: http.StatusOK,
		headers:    http.Header{},
	}
}

// Info returns the render info for the most recent visit.
func (r *Result) Info() *Info { return r.info }

// SetInfo replaces the render info after in-context reconstruction.
func (r *Result) SetInfo(info *Info) { r.info = info }

// SetError records err on the result unless one is already present. Safe to
// call from the deadline timer while the visit is in flight.
func (r *Result) SetError(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// Err returns the error captured during the visit, if any.
func (r *Result) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// SetContent loads HTML into the context, waits for the load signal, then
// re-harvests the DOM. No-op if the context is already destroyed.
func (r *Result) SetContent(ctx context.Context, html string) error {
	if err := r.ctx.LoadContent(ctx, html); err != nil {
		return err
	}
	return r.harvest(ctx)
}

// Evaluate runs fn inside the context, re-harvests the DOM afterward, and
// returns fn's result.
func (r *Result) Evaluate(ctx context.Context, fn string, args ...interface{}) (interface{}, error) {
	val, err := r.ctx.Evaluate(ctx, fn, args...)
	if err != nil {
		return nil, err
	}
	if herr := r.harvest(ctx); herr != nil {
		return val, herr
	}
	return val, nil
}

// harvest captures the document markup and rebuilds the cached
// serializations. A vanished context leaves the previous snapshot intact.
func (r *Result) harvest(ctx context.Context) error {
	val, err := r.ctx.Evaluate(ctx, captureScript)
	if err != nil {
		return err
	}
	raw, ok := val.(string)
	if !ok || raw == "" {
		return nil
	}
	return r.assemble(raw)
}

// assemble applies the re-harvest protocol to a raw markup snapshot: strip
// stale boundary markers, wrap the body content in fresh ones, then move
// every top-level externally-sourced script to the end of body so it executes
// after the DOM is in place regardless of original insertion order.
func (r *Result) assemble(raw string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return &RenderError{Reason: "failed to parse harvested document", Err: err}
	}

	body := doc.Find("body").First()
	body.Find("#fastboot-body-start, #fastboot-body-end").Remove()

	scripts := body.ChildrenFiltered("script[src]")
	body.PrependHtml(bodyStartMarker)
	body.AppendHtml(bodyEndMarker)
	if scripts.Length() > 0 {
		body.AppendSelection(scripts)
	}

	r.doc = doc
	return r.reserialize()
}

// reserialize refreshes the cached full/head/body strings from the snapshot.
func (r *Result) reserialize() error {
	full, err := r.doc.Html()
	if err != nil {
		return &RenderError{Reason: "failed to serialize document", Err: err}
	}
	head, err := r.doc.Find("head").First().Html()
	if err != nil {
		return &RenderError{Reason: "failed to serialize head", Err: err}
	}
	body, err := r.doc.Find("body").First().Html()
	if err != nil {
		return &RenderError{Reason: "failed to serialize body", Err: err}
	}
	r.html = full
	r.head = head
	r.body = body
	return nil
}

// WriteShoebox appends one shoebox script element per key to the end of body.
// Values are JSON-serialized with &, <, >, U+2028 and U+2029 escaped to their
// \uXXXX forms so the payload cannot terminate its own script element. Keys
// are written in sorted order for deterministic output.
func (r *Result) WriteShoebox(ctx context.Context, shoebox map[string]interface{}) error {
	if len(shoebox) == 0 || r.doc == nil {
		return nil
	}

	keys := make([]string, 0, len(shoebox))
	for key := range shoebox {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var tags strings.Builder
	pairs := make([][2]string, 0, len(keys))
	for _, key := range keys {
		raw, err := sonic.Marshal(shoebox[key])
		if err != nil {
			return &RenderError{Reason: "failed to serialize shoebox value " + key, Err: err}
		}
		escaped := EscapeShoeboxJSON(string(raw))
		tags.WriteString(ShoeboxTagOpen + ` id="shoebox-` + key + `">` + escaped + `</script>`)
		pairs = append(pairs, [2]string{key, escaped})
	}

	// Mirror the insertion into the live document; harmless if the context
	// is already gone.
	if _, err := r.ctx.Evaluate(ctx, `(pairs) => {
		pairs.forEach(function (pair) {
			var el = document.createElement("script");
			el.setAttribute("type", "fastboot/shoebox");
			el.setAttribute("id", "shoebox-" + pair[0]);
			el.textContent = pair[1];
			document.body.appendChild(el);
		});
	}`, pairs); err != nil {
		r.log.Debug("shoebox mirror write failed", zap.Error(err))
	}

	r.doc.Find("body").First().AppendHtml(tags.String())
	return r.reserialize()
}

// Finalize completes the result exactly once: it copies the response status
// and headers, records the resolved URL when the owning instance has booted,
// scrubs the framework marker class, and applies status-code overrides to the
// cached markup. A second call fails with ErrAlreadyFinalized.
func (r *Result) Finalize(ctx context.Context) error {
	if r.finalized {
		return ErrAlreadyFinalized
	}
	r.finalized = true

	if r.info != nil && r.info.Response != nil {
		r.statusCode = r.info.Response.StatusCode
		r.headers = r.info.Response.Headers.Clone()
	}
	if r.reporter != nil && r.reporter.Booted() {
		r.url = r.ctx.URL()
	}

	if err := r.ctx.Run(ctx, scrubScript); err != nil {
		return err
	}
	if r.doc != nil {
		r.doc.Find("." + markerClass).RemoveClass(markerClass)
		if err := r.reserialize(); err != nil {
			return err
		}
	}

	r.applyStatusOverrides()
	return nil
}

// applyStatusOverrides rewrites the cached markup for special status codes:
// 204 empties everything, 3xx synthesizes a minimal redirect document.
func (r *Result) applyStatusOverrides() {
	switch {
	case r.statusCode == http.StatusNoContent:
		r.html = ""
		r.head = ""
		r.body = ""
	case r.statusCode >= 300 && r.statusCode <= 399:
		location := r.headers.Get("Location")
		var body string
		if location != "" {
			escaped := html.EscapeString(location)
			body = `<h1>Redirecting to <a href="` + escaped + `">` + escaped + `</a></h1>`
		} else {
			body = bodyStartMarker + bodyEndMarker
		}
		r.head = ""
		r.body = body
		r.html = "<!DOCTYPE html><html><head></head><body>" + body + "</body></html>"
	}
}

// HTML returns the cached full markup with status-code overrides applied.
func (r *Result) HTML() string { return r.html }

// DOMContents returns the cached head/body inner markup. Synchronous; no
// re-harvest happens.
func (r *Result) DOMContents() DOMContents {
	return DOMContents{Head: r.head, Body: r.body}
}

// Chunks splits the cached markup into streamable fragments: everything
// through </head> first, then the remainder split at each shoebox script
// opening, with the opening re-prefixed onto every split-off piece.
// Concatenating the chunks reproduces the cached markup exactly.
func (r *Result) Chunks() ([]string, error) {
	endHead := strings.Index(r.html, "</head>")
	if endHead < 0 || !strings.Contains(r.html, "<body") {
		return nil, &RenderError{Reason: "unable to locate head and body in rendered document"}
	}
	cut := endHead + len("</head>")
	headChunk := r.html[:cut]
	rest := r.html[cut:]

	parts := strings.Split(rest, ShoeboxTagOpen)
	chunks := make([]string, 0, len(parts)+1)
	chunks = append(chunks, headChunk, parts[0])
	for _, part := range parts[1:] {
		chunks = append(chunks, ShoeboxTagOpen+part)
	}
	return chunks, nil
}

// StatusCode returns the response status copied at finalize.
func (r *Result) StatusCode() int { return r.statusCode }

// Headers returns the response headers copied at finalize.
func (r *Result) Headers() http.Header { return r.headers }

// URL returns the resolved document URL, when the instance had booted.
func (r *Result) URL() string { return r.url }
