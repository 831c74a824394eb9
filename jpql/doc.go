// Package jpql parses, analyzes and rewrites the JPQL subset used by the
// data store:
//
//	select [distinct] expr [as alias], ... from Entity e
//	    [left] join [fetch] e.path alias ...
//	    [where condition] [group by expr, ...] [having condition]
//	    [order by expr [asc|desc], ...]
//
// Conditions combine comparisons, is [not] null, [not] in, [not] like and
// [not] between with and, or and not. Functions are lower, upper, count,
// max, min, sum and avg. Rewritten queries render in a canonical form with
// lower-case keywords.
package jpql
