// Package queryir is the intermediate representation of vigil's restricted
// query language.
//
// A daemon's query string is parsed (package queryparse) into a Select,
// analysed here against the fixed chain catalog, checked against the
// caller's Scope, and finally compiled to parameterised SQL (package
// querysql) for whichever chain data source is configured.
//
// ARCHITECTURE:
//
//	[query text] → queryparse → [Select AST] → Analyze → [Analyzed] → querysql → SQL
//	                                                  ↘ CheckScope
//
// THE LANGUAGE:
//
// The language is a read-only subset of SELECT:
//   - Tables: blocks, transactions, events (see Catalog)
//   - At most one INNER JOIN, only along a declared relation
//   - Predicates: comparisons, IN, BETWEEN, IS [NOT] NULL, AND/OR/NOT
//   - Functions: hex, lower, count, max, min, sum
//   - GROUP BY, ORDER BY, LIMIT
//
// It EXCLUDES: DDL and DML, subqueries, outer joins, comma joins,
// HAVING, DISTINCT, UNION, and multiple statements. Those are syntax errors.
//
// SEALED INTERFACES:
//
// Expr is sealed with a marker method so compilers can switch
// exhaustively over expression nodes.
//
// SCOPE:
//
// Every query runs inside a block window. CheckScope rejects queries whose
// top-level conjuncts do not bound the driving table's block column from
// both sides within the window. The compiler injects the window (and the
// instance address, when set) regardless, so rows outside the scope can
// never be returned even if analysis had a gap.
package queryir
