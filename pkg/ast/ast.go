// Package ast defines the Abstract Syntax Tree node the Vela parser
// produces and the compiler consumes.
//
// Rather than a closed hierarchy of concrete Go types (one struct per
// statement/expression kind), this AST is a single generic, tagged node:
// every node carries a string Type tag, a
// source location, optionally a Name, an optional typed Literal, a fixed
// set of named child edges, and an optional ordered Children sequence for
// variadic constructs (program, block, call, vardecl, constdecl, array,
// hashmap). This file is the concrete realisation of that shape - a
// dynamically-typed tree, the same way an AST produced by a C parser
// walking into tagged union nodes would look once given a Go face.
//
// Example:
//
//	Source: return 1 + 2 * 3;
//	Node{
//	  Type: "return", Line: 1, Column: 1,
//	  Expr: &Node{
//	    Type: "add", Line: 1, Column: 10,
//	    Left:  &Node{Type: "literal", Value: &Literal{Kind: LitInt, Int: 1}},
//	    Right: &Node{
//	      Type: "mul", Left: &Node{Type: "literal", Value: &Literal{Kind: LitInt, Int: 2}},
//	                   Right: &Node{Type: "literal", Value: &Literal{Kind: LitInt, Int: 3}},
//	    },
//	  },
//	}
package ast

// LiteralKind tags the five kinds of literal value a "literal" node may
// carry.
type LiteralKind byte

const (
	LitNil LiteralKind = iota
	LitBool
	LitInt
	LitFloat
	LitString
)

// Literal is the typed payload of a "literal" node.
type Literal struct {
	Kind  LiteralKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
}

// Node is the single, generic AST node type. Every parse function in
// pkg/parser returns a *Node; every compile function in pkg/compiler
// switches on Type and reads whichever of the named edges that Type uses.
//
// The node types the compiler recognises are:
//
//	program block call vardecl constdecl array hashmap   (ordered Children)
//	if (cond/then/else)           while/do (cond/body)
//	for (init/cond/increment/body)
//	return pre_inc pre_dec post_inc post_dec not bit_not neg typeof  (expr or right)
//	add sub mul div mod eq ne lt le gt ge and or bit_and bit_or bit_xor
//	shl shr concat                                        (left/right)
//	condexpr                                              (cond/true/false)
//	subscript                                             (object/index)
//	memberof                                              (object + name)
//	call                                                  (func + children=args)
//	function                                              (declargs + body, optional name)
//	literal                                               (value)
//	ident variable constant                               (name)
//	kvpair                                                (key/right)
//	assign compound-assign (add_assign, sub_assign, ...)  (left/right)
//	argv empty break continue                             (leaves)
type Node struct {
	Type   string
	Line   int
	Column int

	Name  string
	Value *Literal

	Left, Right   *Node
	Cond          *Node
	Then, Else    *Node
	Init          *Node
	Increment     *Node
	Body          *Node
	Expr          *Node
	Func          *Node
	Object, Index *Node
	Key           *Node
	True, False   *Node

	// Children holds the ordered sequence for variadic node types:
	// program/block statements, call arguments, vardecl/constdecl
	// declarators, array/hashmap elements.
	Children []*Node

	// DeclArgs holds a function literal's parameter names, in order.
	DeclArgs []string
}

// New allocates a leaf or container node of the given type at the given
// source position.
func New(typ string, line, col int) *Node {
	return &Node{Type: typ, Line: line, Column: col}
}
