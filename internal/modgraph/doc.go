// Package modgraph holds the compiled-module graph consumed by the chunk
// planner.
//
// A Graph is an immutable snapshot: modules are kept in canonical path order,
// requester reachability is computed once at construction, and the graph
// identity (Hash) is invariant to the order in which modules and imports
// were supplied. Producing the graph is the job of a Builder; this package
// ships a file loader and a lightweight import scanner.
package modgraph
