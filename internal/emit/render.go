package emit

import (
	"bytes"
	"encoding/json"
	"fmt"

	"bundleweaver/internal/chunk"
)

const registryExpr = "(self.__bw_modules__ = self.__bw_modules__ || {})"

// RenderChunk concatenates compiled module code into chunk bytes. Modules are
// registered in chunk order and executed by the runtime on demand.
func (e Emitter) RenderChunk(c chunk.Chunk, code func(module string) []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("\"use strict\";\n")
	for _, m := range c.Modules {
		id, _ := json.Marshal(e.ModuleID(m))
		fmt.Fprintf(&buf, "%s[%s] = function(module, exports, require) {\n", registryExpr, id)
		src := code(m)
		buf.Write(src)
		if len(src) > 0 && src[len(src)-1] != '\n' {
			buf.WriteByte('\n')
		}
		buf.WriteString("};\n")
	}
	return buf.Bytes()
}

// RuntimeInput carries what the bootstrap needs to know about the other
// chunks. URLs are public paths.
type RuntimeInput struct {
	// Entries are the entry root module IDs, started in order.
	Entries []string
	// Async maps an async root module ID to the chunk URLs it needs.
	Async map[string][]string
	// Preloaded are chunk URLs the document already loads.
	Preloaded []string
}

const runtimeSource = `"use strict";
(function() {
var modules = %s;
var cache = {};
var loaded = {};
var chunks = %s;
var entries = %s;
%s.forEach(function(src) { loaded[src] = Promise.resolve(); });

function require(id) {
  if (cache[id]) {
    return cache[id].exports;
  }
  var module = { id: id, exports: {} };
  cache[id] = module;
  modules[id](module, module.exports, require);
  return module.exports;
}

function script(src) {
  if (!loaded[src]) {
    loaded[src] = new Promise(function(resolve, reject) {
      var s = document.createElement('script');
      s.src = src;
      s.onload = resolve;
      s.onerror = reject;
      document.head.appendChild(s);
    });
  }
  return loaded[src];
}

require.load = function(id) {
  return Promise.all((chunks[id] || []).map(script)).then(function() {
    return require(id);
  });
};

self.__bw_require__ = require;
document.addEventListener('DOMContentLoaded', function() {
  entries.forEach(require);
});
})();
`

// RenderRuntime returns the bootstrap chunk. It never contains business
// modules.
func (e Emitter) RenderRuntime(in RuntimeInput) []byte {
	async := in.Async
	if async == nil {
		async = map[string][]string{}
	}
	entries := in.Entries
	if entries == nil {
		entries = []string{}
	}
	pre := in.Preloaded
	if pre == nil {
		pre = []string{}
	}
	// encoding/json sorts map keys, keeping the bytes stable.
	chunksJSON, _ := json.Marshal(async)
	entriesJSON, _ := json.Marshal(entries)
	preJSON, _ := json.Marshal(pre)
	return []byte(fmt.Sprintf(runtimeSource, registryExpr, chunksJSON, entriesJSON, preJSON))
}
