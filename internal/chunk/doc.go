// Package chunk partitions a compiled module graph into output chunks.
//
// Planning runs in fixed phases over an immutable modgraph.Graph:
//
//  1. assignment: every reachable module goes to the highest-priority group
//     that claims it, or to the default chunk of its primary requester
//  2. minimum size: group chunks below their minimum are dissolved into the
//     default chunk of their primary requester
//  3. maximum size: oversized chunks are split on a worklist, each part
//     holding strictly fewer modules than its parent
//  4. request caps: lower-priority extractions are folded back into the
//     requester until its initial or async cap is met
//  5. runtime: the bootstrap chunk is added last and owns no modules
//
// The primary requester of a module is the first requester reaching it in
// graph requester order (entries in declared order, then async split points
// by path).
//
// Planning never fails. Every degradation is recorded in the plan trace;
// oversized chunks, unreachable modules and exceeded caps are advisory.
package chunk
