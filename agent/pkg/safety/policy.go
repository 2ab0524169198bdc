package safety

import (
	"sort"
	"strings"
	"sync"

	"github.com/churnguard/lake/agent/pkg/program"
)

// Operation names the allow-listed capabilities a program may use.
type Operation string

const (
	OpFilter      Operation = "filter"
	OpProject     Operation = "project"
	OpAggregate   Operation = "aggregate"
	OpSort        Operation = "sort"
	OpDistinct    Operation = "distinct"
	OpArithmetic  Operation = "arithmetic"
	OpComparison  Operation = "comparison"
	OpStringMatch Operation = "string_match"
)

// Policy is the process-wide safety policy. It is immutable once built;
// all fields are unexported and only read through accessors.
type Policy struct {
	operations     map[Operation]bool
	deniedModules  map[string]bool
	deniedCalls    map[string]bool
	sqlVerbs       map[string]program.Reason
	storePrefixes  []string
	maxSourceBytes int
	maxDepth       int
}

// DefaultPolicy returns the shared policy, built on first use.
var DefaultPolicy = sync.OnceValue(func() *Policy {
	return &Policy{
		operations: set(
			OpFilter, OpProject, OpAggregate, OpSort, OpDistinct,
			OpArithmetic, OpComparison, OpStringMatch,
		),
		deniedModules: set(
			"os", "sys", "subprocess", "socket", "shutil", "pathlib", "requests",
			"urllib", "http", "pickle", "marshal", "shelve", "ctypes", "builtins",
			"io", "signal", "threading", "multiprocessing", "asyncio", "importlib",
			"tempfile", "glob", "code", "codeop", "pty", "platform", "resource",
			"inspect", "gc", "__import__", "__builtins__", "__loader__", "__spec__",
		),
		deniedCalls: set(
			"eval", "exec", "compile", "open", "getattr", "setattr", "delattr",
			"hasattr", "globals", "locals", "vars", "dir", "input", "breakpoint",
			"help", "type", "object", "super", "memoryview", "exit", "quit", "print",
			"system", "popen", "query", "apply", "applymap", "map", "pipe",
			"transform", "iterrows", "itertuples", "iteritems", "items",
			"to_csv", "to_pickle", "to_sql", "to_parquet", "to_json", "to_excel",
			"to_clipboard", "to_hdf", "to_feather", "to_html", "to_markdown",
			"read_csv", "read_pickle", "read_sql", "read_json", "read_parquet",
			"read_excel", "read_html", "read_table", "read_clipboard", "read_hdf",
			"read_feather", "read_fwf", "read_xml", "read_sql_query", "read_sql_table",
		),
		sqlVerbs: map[string]program.Reason{
			"INSERT":    program.ReasonDisallowedCall,
			"UPDATE":    program.ReasonDisallowedCall,
			"DELETE":    program.ReasonDisallowedCall,
			"DROP":      program.ReasonDisallowedCall,
			"ALTER":     program.ReasonDisallowedCall,
			"CREATE":    program.ReasonDisallowedCall,
			"REPLACE":   program.ReasonDisallowedCall,
			"TRUNCATE":  program.ReasonDisallowedCall,
			"MERGE":     program.ReasonDisallowedCall,
			"UPSERT":    program.ReasonDisallowedCall,
			"GRANT":     program.ReasonDisallowedCall,
			"REVOKE":    program.ReasonDisallowedCall,
			"VACUUM":    program.ReasonDisallowedCall,
			"REINDEX":   program.ReasonDisallowedCall,
			"ANALYZE":   program.ReasonDisallowedCall,
			"EXEC":      program.ReasonDisallowedCall,
			"EXECUTE":   program.ReasonDisallowedCall,
			"CALL":      program.ReasonDisallowedCall,
			"SET":       program.ReasonDisallowedCall,
			"SYSTEM":    program.ReasonDisallowedCall,
			"KILL":      program.ReasonDisallowedCall,
			"OPTIMIZE":  program.ReasonDisallowedCall,
			"ATTACH":    program.ReasonDisallowedImport,
			"DETACH":    program.ReasonDisallowedImport,
			"LOAD":      program.ReasonDisallowedImport,
			"COPY":      program.ReasonDisallowedImport,
			"IMPORT":    program.ReasonDisallowedImport,
			"INSTALL":   program.ReasonDisallowedImport,
			"PRAGMA":    program.ReasonDisallowedAttribute,
			"RECURSIVE": program.ReasonUnboundedLoop,
		},
		storePrefixes:  []string{"sqlite_", "system.", "information_schema", "pg_catalog", "pg_"},
		maxSourceBytes: 4096,
		maxDepth:       48,
	}
})

func set[T comparable](items ...T) map[T]bool {
	m := make(map[T]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// Allows reports whether op is in the allow-list.
func (p *Policy) Allows(op Operation) bool {
	return p.operations[op]
}

// Without returns a copy of p whose allow-list omits ops.
func (p *Policy) Without(ops ...Operation) *Policy {
	cp := *p
	cp.operations = make(map[Operation]bool, len(p.operations))
	for op := range p.operations {
		cp.operations[op] = true
	}
	for _, op := range ops {
		delete(cp.operations, op)
	}
	return &cp
}

// Operations returns the allow-list in sorted order.
func (p *Policy) Operations() []string {
	out := make([]string, 0, len(p.operations))
	for op := range p.operations {
		out = append(out, string(op))
	}
	sort.Strings(out)
	return out
}

// ModuleDenied reports whether name refers to a module or import hook.
func (p *Policy) ModuleDenied(name string) bool {
	return p.deniedModules[name]
}

// CallDenied reports whether name is a denied builtin or method.
func (p *Policy) CallDenied(name string) bool {
	return p.deniedCalls[name]
}

// SQLVerb returns the rejection reason for a denied SQL keyword.
func (p *Policy) SQLVerb(keyword string) (program.Reason, bool) {
	r, ok := p.sqlVerbs[strings.ToUpper(keyword)]
	return r, ok
}

// InternalName reports whether a program identifier addresses interpreter
// internals (dunder and private names).
func (p *Policy) InternalName(name string) bool {
	return strings.HasPrefix(name, "_")
}

// StoreInternal reports whether a SQL identifier addresses store catalogs
// or system tables.
func (p *Policy) StoreInternal(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range p.storePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func (p *Policy) MaxSourceBytes() int { return p.maxSourceBytes }
func (p *Policy) MaxDepth() int       { return p.maxDepth }
