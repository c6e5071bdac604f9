package render

import (
	"github.com/bytedance/sonic"
)

// Source is one script file of the built application, loaded once.
type Source struct {
	Name string
	Body string
}

// App is one loaded application bundle: ordered vendor and app sources, the
// HTML template, resolved configuration and the whitelists from the manifest.
type App struct {
	Name            string
	VendorSources   []Source
	AppSources      []Source
	HTMLTemplate    string
	Config          map[string]interface{}
	HostWhitelist   []string
	ModuleWhitelist []string

	// SandboxGlobals are injected into the execution context's global scope
	// at boot, before any source evaluates.
	SandboxGlobals map[string]interface{}

	// ModuleResolver maps module names the in-context require shim should
	// special-case to JavaScript expressions producing their replacements.
	// Unlisted names fall through to the context's own loader.
	ModuleResolver map[string]string

	// Shim optionally overrides the built-in request-info bundle script.
	Shim string
}

// DefaultModuleResolver returns the resolver table for the polyfill modules
// whose replacements already exist as browser natives.
func DefaultModuleResolver() map[string]string {
	return map[string]string{
		"node-fetch": `globalThis.fetch`,
		"abortcontroller-polyfill/dist/cjs-ponyfill": `({ AbortController: globalThis.AbortController, AbortSignal: globalThis.AbortSignal })`,
	}
}

// environmentShim renders the boot-time global that exposes config lookup and
// the module resolver to the in-context application.
func environmentShim(app *App) (string, error) {
	cfg := app.Config
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	resolver := app.ModuleResolver
	if resolver == nil {
		resolver = DefaultModuleResolver()
	}

	cfgJSON, err := sonic.Marshal(cfg)
	if err != nil {
		return "", NewConfigError("unable to serialize app config: %v", err)
	}
	nameJSON, err := sonic.Marshal(app.Name)
	if err != nil {
		return "", NewConfigError("unable to serialize app name: %v", err)
	}
	resolverJSON, err := sonic.Marshal(resolver)
	if err != nil {
		return "", NewConfigError("unable to serialize module resolver: %v", err)
	}

	return `(function (global) {
	"use strict";
	var config = ` + string(cfgJSON) + `;
	var appName = ` + string(nameJSON) + `;
	var resolver = ` + string(resolverJSON) + `;
	global.FastBoot = {
		config: function (key) {
			var k = key || appName;
			return { "default": config[k] };
		},
		require: function (name) {
			if (Object.prototype.hasOwnProperty.call(resolver, name)) {
				return (0, eval)(resolver[name]);
			}
			if (typeof global.require === "function") {
				return global.require(name);
			}
			throw new Error("unable to resolve module: " + name);
		}
	};
})(typeof globalThis !== "undefined" ? globalThis : this);`, nil
}

// infoShim is the built-in bundle script defining the in-context request-info
// class. The compiled application interacts with a visit through an instance
// of FastBootInfo: reading the request, mutating the response, filling the
// shoebox and deferring completion.
const infoShim = `(function (global) {
	"use strict";

	function FastBootRequest(data, hostWhitelist) {
		data = data || {};
		this.protocol = data.protocol || "";
		this.headers = data.headers || {};
		this.queryParams = data.queryParams || {};
		this.path = data.path || "";
		this.method = data.method || "";
		this.body = data.body || "";
		this.cookies = data.cookies || {};
		this.hostWhitelist = hostWhitelist || [];
	}
	FastBootRequest.prototype.header = function (name) {
		var target = String(name).toLowerCase();
		for (var key in this.headers) {
			if (key.toLowerCase() === target) {
				return this.headers[key];
			}
		}
		return undefined;
	};
	FastBootRequest.prototype.host = function () {
		if (this.hostWhitelist.length === 0) {
			throw new Error("no hostWhitelist configured");
		}
		var raw = this.header("host");
		var host = raw === undefined ? "" : [].concat(raw)[0];
		for (var i = 0; i < this.hostWhitelist.length; i++) {
			var entry = this.hostWhitelist[i];
			var matched;
			if (entry.length > 1 && entry.charAt(0) === "/" && entry.charAt(entry.length - 1) === "/") {
				matched = new RegExp(entry.slice(1, -1)).test(host);
			} else {
				matched = entry === host;
			}
			if (matched) {
				return host;
			}
		}
		throw new Error("host " + host + " is not in the hostWhitelist");
	};

	function FastBootResponse(data) {
		data = data || {};
		this.headers = data.headers || {};
		this.statusCode = data.statusCode || 200;
	}

	function FastBootInfo(request, response, extra, shoebox) {
		this.hostWhitelist = (extra && extra.hostWhitelist) || [];
		this.request = request ? new FastBootRequest(request, this.hostWhitelist) : undefined;
		this.response = new FastBootResponse(response);
		this.metadata = extra ? extra.metadata : undefined;
		this.shoebox = shoebox || {};
		this._deferred = Promise.resolve();
	}
	FastBootInfo.deserialize = function (tuple) {
		return new FastBootInfo(tuple[0], tuple[1], tuple[2], tuple[3]);
	};
	FastBootInfo.prototype.deferRendering = function (promise) {
		this._deferred = this._deferred.then(function () {
			return promise;
		});
	};
	FastBootInfo.prototype.awaitDeferred = function () {
		return this._deferred;
	};
	FastBootInfo.prototype.serialize = function () {
		var request;
		if (this.request) {
			request = {
				protocol: this.request.protocol,
				headers: this.request.headers,
				queryParams: this.request.queryParams,
				path: this.request.path,
				method: this.request.method,
				body: this.request.body,
				cookies: this.request.cookies
			};
		}
		var response = {
			headers: this.response.headers,
			statusCode: this.response.statusCode
		};
		return [
			request,
			response,
			{ hostWhitelist: this.hostWhitelist, metadata: this.metadata },
			this.shoebox
		];
	};

	global.FastBootInfo = FastBootInfo;
})(typeof globalThis !== "undefined" ? globalThis : this);`
