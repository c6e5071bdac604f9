package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/stokeworks/fastboot/internal/logging"
)

// clearStorageScript wipes the storage APIs reachable from the page origin.
// Every currently open indexed database is deleted by name; deletion
// failures of individual databases do not abort the sweep.
const clearStorageScript = `async () => {
	localStorage.clear();
	sessionStorage.clear();
	document.cookie.split(";").forEach(function (pair) {
		var name = pair.split("=")[0].trim();
		if (name) {
			document.cookie = name + "=; expires=Thu, 01 Jan 1970 00:00:00 GMT; path=/";
		}
	});
	if (indexedDB.databases) {
		const dbs = await indexedDB.databases();
		await Promise.all(dbs.map(function (db) {
			return new Promise(function (resolve) {
				var req = indexedDB.deleteDatabase(db.name);
				req.onsuccess = resolve;
				req.onerror = resolve;
				req.onblocked = resolve;
			});
		}));
	}
}`

func (d *Driver) newPage(url string) (*rod.Page, error) {
	page, err := d.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, err
	}
	if err := page.WaitLoad(); err != nil {
		page.Close()
		return nil, err
	}
	return page, nil
}

// Page adapts one Chrome page to render.Surface.
type Page struct {
	page *rod.Page
	url  string
	log  *logging.Logger
}

// LoadContent replaces the document and waits for its load event.
func (p *Page) LoadContent(ctx context.Context, html string) error {
	page := p.page.Context(ctx)
	if err := page.SetDocumentContent(html); err != nil {
		return err
	}
	return page.WaitLoad()
}

// Run evaluates a whole script at global scope and discards its value.
func (p *Page) Run(ctx context.Context, script string) error {
	res, err := proto.RuntimeEvaluate{Expression: script}.Call(p.page.Context(ctx))
	if err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("script exception: %s", exceptionText(res.ExceptionDetails))
	}
	return nil
}

// Evaluate calls a function expression, awaiting promises by value.
func (p *Page) Evaluate(ctx context.Context, fn string, args ...interface{}) (interface{}, error) {
	obj, err := p.page.Context(ctx).Evaluate(rod.Eval(fn, args...).ByPromise())
	if err != nil {
		return nil, err
	}
	return obj.Value.Val(), nil
}

// Reload forces a navigation, discarding in-flight script execution.
func (p *Page) Reload(ctx context.Context) error {
	return p.page.Context(ctx).Reload()
}

// ClearStorage wipes cookies, web storage and indexed databases.
func (p *Page) ClearStorage(ctx context.Context) error {
	page := p.page.Context(ctx)
	if err := (proto.NetworkClearBrowserCookies{}).Call(page); err != nil {
		return err
	}
	_, err := page.Evaluate(rod.Eval(clearStorageScript).ByPromise())
	return err
}

// URL returns the address the page was opened on.
func (p *Page) URL() string { return p.url }

// Close closes the page.
func (p *Page) Close() error {
	return p.page.Close()
}

func exceptionText(details *proto.RuntimeExceptionDetails) string {
	if details.Exception != nil && details.Exception.Description != "" {
		return details.Exception.Description
	}
	return details.Text
}
