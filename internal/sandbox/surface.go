package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"github.com/stokeworks/fastboot/internal/logging"
	"github.com/stokeworks/fastboot/internal/render"
)

const blankDocument = "<html><head></head><body></body></html>"

// ErrSurfaceClosed is returned from calls against a closed surface.
var ErrSurfaceClosed = errors.New("sandbox surface is closed")

// Surface adapts an Engine plus a host-side document snapshot to the
// render.Surface contract. The document lives in Go as a parsed tree; the VM
// sees it through a small bridge covering what rendering bundles touch:
// innerHTML on head and body, the cookie string, selector queries and class
// manipulation.
type Surface struct {
	engine *Engine
	url    string
	log    *logging.Logger

	mu         sync.Mutex
	doc        *goquery.Document
	hasDoctype bool
	cookies    map[string]string
	local      map[string]string
	session    map[string]string
	closed     bool
}

// NewSurface creates a surface at the given address.
func NewSurface(cfg Config, url string, log *logging.Logger) (*Surface, error) {
	engine, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	s := &Surface{
		engine:  engine,
		url:     url,
		log:     log,
		cookies: map[string]string{},
		local:   map[string]string{},
		session: map[string]string{},
	}
	if err := s.loadSnapshot(blankDocument); err != nil {
		return nil, err
	}
	if err := s.installBindings(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadContent replaces the document snapshot. The load event is synchronous
// for the embedded engine.
func (s *Surface) LoadContent(_ context.Context, html string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSurfaceClosed
	}
	return s.loadSnapshot(html)
}

// Run evaluates a whole script at global scope.
func (s *Surface) Run(ctx context.Context, script string) error {
	if s.isClosed() {
		return ErrSurfaceClosed
	}
	return s.engine.Run(ctx, script)
}

// Evaluate calls a function expression with the given arguments.
func (s *Surface) Evaluate(ctx context.Context, fn string, args ...interface{}) (interface{}, error) {
	if s.isClosed() {
		return nil, ErrSurfaceClosed
	}
	return s.engine.Call(ctx, fn, args...)
}

// Reload discards the VM and the document, like a forced navigation: all
// evaluated application state is gone afterwards. A script in flight is
// interrupted before the engine is replaced, so Reload is usable from a
// deadline timer.
func (s *Surface) Reload(_ context.Context) error {
	if s.isClosed() {
		return ErrSurfaceClosed
	}
	s.engine.Interrupt("navigation interrupted")
	if err := s.engine.Reset(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadSnapshot(blankDocument); err != nil {
		return err
	}
	return s.installBindings()
}

// ClearStorage wipes cookies and web storage. The maps are cleared in place:
// the VM bindings hold references to them.
func (s *Surface) ClearStorage(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSurfaceClosed
	}
	for _, store := range []map[string]string{s.cookies, s.local, s.session} {
		for key := range store {
			delete(store, key)
		}
	}
	return nil
}

// URL returns the address the surface was created on.
func (s *Surface) URL() string { return s.url }

// Close releases the engine, interrupting a script in flight.
func (s *Surface) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.engine.Interrupt("target closed")
	return s.engine.Close()
}

func (s *Surface) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Surface) loadSnapshot(html string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return err
	}
	s.doc = doc
	s.hasDoctype = strings.HasPrefix(strings.ToLower(strings.TrimSpace(html)), "<!doctype")
	return nil
}

// installBindings wires the document and storage bridges into the VM. Must
// run again after every engine reset.
func (s *Surface) installBindings() error {
	vm := s.engine.VM()

	document := vm.NewObject()
	if err := document.DefineAccessorProperty("cookie",
		vm.ToValue(s.cookieString), vm.ToValue(s.setCookie),
		goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}
	if err := document.DefineAccessorProperty("doctype",
		vm.ToValue(s.doctype), goja.Undefined(),
		goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}

	docElem := vm.NewObject()
	if err := docElem.DefineAccessorProperty("outerHTML",
		vm.ToValue(s.outerHTML), goja.Undefined(),
		goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}
	document.Set("documentElement", docElem)

	for _, part := range []string{"head", "body"} {
		part := part
		section := vm.NewObject()
		if err := section.DefineAccessorProperty("innerHTML",
			vm.ToValue(func() string { return s.sectionHTML(part) }),
			vm.ToValue(func(html string) { s.setSectionHTML(part, html) }),
			goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return err
		}
		document.Set(part, section)
	}

	document.Set("querySelectorAll", s.querySelectorAll)
	document.Set("getElementById", s.getElementByID)
	vm.Set("document", document)

	vm.Set("localStorage", s.storageObject(vm, s.local))
	vm.Set("sessionStorage", s.storageObject(vm, s.session))
	return nil
}

func (s *Surface) outerHTML() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := goquery.OuterHtml(s.doc.Find("html").First())
	if err != nil {
		return ""
	}
	return out
}

func (s *Surface) doctype() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasDoctype {
		return nil
	}
	return map[string]interface{}{"name": "html"}
}

func (s *Surface) sectionHTML(part string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	html, err := s.doc.Find(part).First().Html()
	if err != nil {
		return ""
	}
	return html
}

func (s *Surface) setSectionHTML(part, html string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Find(part).First().SetHtml(html)
}

func (s *Surface) cookieString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := make([]string, 0, len(s.cookies))
	for name, value := range s.cookies {
		pairs = append(pairs, name+"="+value)
	}
	return strings.Join(pairs, "; ")
}

func (s *Surface) setCookie(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pair := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			continue
		}
		s.cookies[name] = value
		break // attributes after the first pair are ignored
	}
}

func (s *Surface) querySelectorAll(selector string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.doc.Find(selector)
	proxies := make([]map[string]interface{}, 0, found.Length())
	for i := 0; i < found.Length(); i++ {
		proxies = append(proxies, s.elementProxy(found.Eq(i)))
	}
	return proxies
}

func (s *Surface) getElementByID(id string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.doc.Find("#" + id).First()
	if found.Length() == 0 {
		return nil
	}
	return s.elementProxy(found)
}

// elementProxy exposes one document node to the VM.
func (s *Surface) elementProxy(sel *goquery.Selection) map[string]interface{} {
	id, _ := sel.Attr("id")
	class, _ := sel.Attr("class")
	return map[string]interface{}{
		"tagName":     strings.ToUpper(goquery.NodeName(sel)),
		"id":          id,
		"className":   class,
		"textContent": sel.Text(),
		"getAttribute": func(name string) string {
			v, _ := sel.Attr(name)
			return v
		},
		"setAttribute": func(name, value string) {
			s.mu.Lock()
			defer s.mu.Unlock()
			sel.SetAttr(name, value)
		},
		"classList": map[string]interface{}{
			"add": func(names ...string) {
				s.mu.Lock()
				defer s.mu.Unlock()
				sel.AddClass(names...)
			},
			"remove": func(names ...string) {
				s.mu.Lock()
				defer s.mu.Unlock()
				sel.RemoveClass(names...)
			},
		},
	}
}

func (s *Surface) storageObject(vm *goja.Runtime, store map[string]string) *goja.Object {
	obj := vm.NewObject()
	obj.Set("getItem", func(key string) interface{} {
		s.mu.Lock()
		defer s.mu.Unlock()
		if v, ok := store[key]; ok {
			return v
		}
		return nil
	})
	obj.Set("setItem", func(key, value string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		store[key] = value
	})
	obj.Set("removeItem", func(key string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(store, key)
	})
	obj.Set("clear", func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for key := range store {
			delete(store, key)
		}
	})
	return obj
}

// Driver creates embedded surfaces. It satisfies render.Driver with no
// shared process to manage.
type Driver struct {
	cfg Config
	log *logging.Logger
}

// NewDriver creates an embedded-engine driver.
func NewDriver(cfg Config, log *logging.Logger) *Driver {
	if log == nil {
		log = logging.NewNop()
	}
	return &Driver{cfg: cfg, log: log.Named("sandbox")}
}

// Start is a no-op; there is no shared process.
func (d *Driver) Start(context.Context) error { return nil }

// NewSurface creates a fresh embedded surface.
func (d *Driver) NewSurface(_ context.Context, url string) (render.Surface, error) {
	return NewSurface(d.cfg, url, d.log)
}

// Close is a no-op.
func (d *Driver) Close() error { return nil }
