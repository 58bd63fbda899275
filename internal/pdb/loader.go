// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pdb

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"buf.build/go/netpdl/internal/expr"
)

// MaxNesting bounds the element stack; a document nesting deeper than this
// fails the load.
const MaxNesting = 30

// Config tunes a load.
type Config struct {
	// Minimal skips the visualization primitives.
	Minimal bool
	// Validate enables the strict structural pass: unknown attributes are
	// rejected instead of ignored.
	Validate bool

	Log          logrus.FieldLogger
	RegexTimeout time.Duration
}

// Load streams the description document at path and returns the organized,
// frozen database. The load is all-or-nothing.
func Load(fsys afero.Fs, path string, cfg Config) (*Database, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, &LoadError{Cat: ErrIO, Err: err}
	}
	defer f.Close()
	return LoadReader(f, cfg)
}

// LoadReader is [Load] over an already-open document.
func LoadReader(r io.Reader, cfg Config) (*Database, error) {
	if cfg.Log == nil {
		log := logrus.New()
		log.SetOutput(io.Discard)
		cfg.Log = log
	}

	ld := &loader{
		cfg: cfg,
		db: &Database{
			Nodes:            []Node{nil}, // index 0 is the None sentinel
			ProtoIndex:       map[string]int{},
			ShowTemplates:    map[string]*ShowTemplate{},
			ShowSumTemplates: map[string]*ShowSumTemplate{},
			Tables:           map[string]*TableDecl{},
			Vars:             map[string]*VarDecl{},
			Aliases:          map[string]string{},
			GlobalADTs:       map[string]*Adt{},
			LocalADTs:        map[string]map[string]*Adt{},
			PaddingProto:     -1,
		},
	}
	ld.db.Minimal = cfg.Minimal

	dec := xml.NewDecoder(r)
	dec.CharsetReader = charsetReader
	ld.dec = dec

	if err := ld.run(); err != nil {
		return nil, err
	}
	if err := organize(ld.db, cfg.Log); err != nil {
		return nil, err
	}
	return ld.db, nil
}

// charsetReader accepts the two encodings a description document may carry.
// ISO-8859-1 maps each byte to the rune of the same value.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "utf-8", "":
		return input, nil
	case "iso-8859-1", "latin1":
		return &latin1Reader{r: input}, nil
	}
	return nil, fmt.Errorf("unsupported document encoding %q", charset)
}

type latin1Reader struct {
	r io.Reader
}

func (l *latin1Reader) Read(p []byte) (int, error) {
	// Each input byte may expand to two UTF-8 bytes.
	budget := len(p) / 2
	if budget == 0 {
		return 0, io.ErrShortBuffer
	}
	out := 0
	buf := make([]byte, budget)
	n, err := l.r.Read(buf)
	for _, b := range buf[:n] {
		if b < 0x80 {
			p[out] = b
			out++
		} else {
			p[out] = 0xc0 | b>>6
			p[out+1] = 0x80 | b&0x3f
			out += 2
		}
	}
	if out == 0 && err == nil {
		return l.Read(p)
	}
	return out, err
}

type loader struct {
	cfg Config
	db  *Database
	dec *xml.Decoder

	// Element stack, bounded by MaxNesting.
	stack []NodeID

	// Depth inside a subtree excluded from this load (visualization under
	// a minimal load). While positive, child builders do not run.
	skipping int

	// curProto scopes local ADT declarations while inside a <protocol>.
	curProto *Proto
}

func (ld *loader) line() int {
	line, _ := ld.dec.InputPos()
	return line
}

func (ld *loader) run() error {
	sawRoot := false
	for {
		tok, err := ld.dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &LoadError{Cat: ErrXMLSyntax, Line: ld.line(), Err: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(ld.stack) >= MaxNesting {
				return structural(t.Name.Local, ld.line(), "nesting deeper than %d elements", MaxNesting)
			}
			if !sawRoot && t.Name.Local != "netpdl" {
				return structural(t.Name.Local, ld.line(), "root element must be <netpdl>")
			}
			sawRoot = true
			if err := ld.startElement(t); err != nil {
				return err
			}
		case xml.EndElement:
			ld.endElement()
		}
	}

	if ld.db.Root == nil {
		return &LoadError{Cat: ErrXMLSyntax, Err: fmt.Errorf("document has no root element")}
	}
	return nil
}

func (ld *loader) parent() Node {
	if len(ld.stack) == 0 {
		return nil
	}
	return ld.db.Get(ld.stack[len(ld.stack)-1])
}

// link appends n to the arena and wires it under the current stack top.
func (ld *loader) link(n Node, elem string) NodeID {
	id := ld.db.Append(n)
	b := n.Base()
	b.ElementName = elem
	b.Line = ld.line()

	if p := ld.parent(); p != nil {
		pb := p.Base()
		b.Parent = pb.ID
		if pb.FirstChild == None {
			pb.FirstChild = id
		} else {
			last := pb.FirstChild
			for ld.db.Get(last).Base().NextSibling != None {
				last = ld.db.Get(last).Base().NextSibling
			}
			ld.db.Get(last).Base().NextSibling = id
			b.PrevSibling = last
		}
	}
	return id
}

func (ld *loader) startElement(t xml.StartElement) error {
	elem := t.Name.Local
	attrs := make(map[string]string, len(t.Attr))
	for _, a := range t.Attr {
		attrs[a.Name.Local] = a.Value
	}

	if ld.skipping > 0 {
		ld.skipping++
		ld.stack = append(ld.stack, ld.link(&skipped{}, elem))
		return nil
	}

	build, ok := builders[elem]
	if !ok {
		return structural(elem, ld.line(), "unrecognized element")
	}

	n, err := build(ld, elem, attrs)
	if err != nil {
		return err
	}
	if n == nil {
		// Start of a subtree excluded from this load. A placeholder keeps
		// the stack balanced.
		ld.skipping = 1
		n = &skipped{}
	}

	if ch, ok := attrs["callhandle"]; ok {
		info, err := parseCallHandle(ch)
		if err != nil {
			return structural(elem, ld.line(), "%v", err)
		}
		n.Base().CallHandler = info
	}
	if ld.cfg.Validate {
		if err := checkKnownAttrs(elem, attrs); err != nil {
			return structural(elem, ld.line(), "%v", err)
		}
	}

	id := ld.link(n, elem)
	ld.stack = append(ld.stack, id)

	if p, ok := n.(*Proto); ok {
		ld.curProto = p
	}
	return nil
}

func (ld *loader) endElement() {
	if len(ld.stack) == 0 {
		return
	}
	if ld.skipping > 0 {
		ld.skipping--
	}
	top := ld.db.Get(ld.stack[len(ld.stack)-1])
	ld.stack = ld.stack[:len(ld.stack)-1]

	if _, ok := top.(*Proto); ok {
		ld.curProto = nil
	}
}

// skipped is the placeholder for subtrees excluded from a minimal load.
type skipped struct {
	NodeBase
}

// expr parses an attribute expression against the declarations loaded so
// far.
func (ld *loader) expr(elem, attr, src string, want expr.Want) (expr.Expr, error) {
	if src == "" {
		return nil, nil
	}
	e, err := expr.Parse(src, want, expr.Config{
		Resolver:     resolver{db: ld.db},
		RegexTimeout: ld.cfg.RegexTimeout,
	})
	if err != nil {
		return nil, &LoadError{Cat: ErrStructural, Element: elem, Line: ld.line(),
			Err: fmt.Errorf("attribute %q: %w", attr, err)}
	}
	return e, nil
}

func (ld *loader) regex(elem, attr, src string, caseSensitive bool) (*expr.Regexp, error) {
	if src == "" {
		return nil, nil
	}
	re, err := expr.CompileRegex(src, caseSensitive, ld.cfg.RegexTimeout)
	if err != nil {
		return nil, &LoadError{Cat: ErrStructural, Element: elem, Line: ld.line(),
			Err: fmt.Errorf("attribute %q: %w", attr, err)}
	}
	return re, nil
}

func parseCallHandle(s string) (*CallHandlerInfo, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("callhandle %q is not namespace:function:event", s)
	}
	if parts[2] != "before" && parts[2] != "after" {
		return nil, fmt.Errorf("callhandle event %q must be before or after", parts[2])
	}
	return &CallHandlerInfo{Namespace: parts[0], Function: parts[1], Event: parts[2]}, nil
}

// Attribute access helpers. Missing mandatory attributes abort the load
// with the element name and line.

func (ld *loader) req(elem string, attrs map[string]string, name string) (string, error) {
	v, ok := attrs[name]
	if !ok || v == "" {
		return "", structural(elem, ld.line(), "missing mandatory attribute %q", name)
	}
	return v, nil
}

func (ld *loader) reqInt(elem string, attrs map[string]string, name string) (int, error) {
	s, err := ld.req(elem, attrs, name)
	if err != nil {
		return 0, err
	}
	n, err := parseInt(s)
	if err != nil || n <= 0 {
		return 0, structural(elem, ld.line(), "attribute %q must be a positive integer, got %q", name, s)
	}
	return n, nil
}

func (ld *loader) optInt(elem string, attrs map[string]string, name string, def int) (int, error) {
	s, ok := attrs[name]
	if !ok {
		return def, nil
	}
	n, err := parseInt(s)
	if err != nil {
		return 0, structural(elem, ld.line(), "attribute %q must be an integer, got %q", name, s)
	}
	return n, nil
}

func parseInt(s string) (int, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 32)
	return int(v), err
}

func attrYes(attrs map[string]string, name string) bool {
	v := strings.ToLower(attrs[name])
	return v == "yes" || v == "true" || v == "1"
}

func checkKnownAttrs(elem string, attrs map[string]string) error {
	known := knownAttrs[elem]
	for a := range attrs {
		if a == "callhandle" {
			continue
		}
		if !strings.Contains(known, ","+a+",") {
			return fmt.Errorf("unknown attribute %q", a)
		}
	}
	return nil
}

// knownAttrs lists, per element, the attributes the strict pass accepts.
var knownAttrs = map[string]string{
	"netpdl":             ",name,version,creator,date,",
	"protocol":           ",name,longname,showsumtemplate,",
	"execute-code":       ",",
	"init":               ",when,",
	"verify":             ",when,",
	"before":             ",when,",
	"after":              ",when,",
	"format":             ",",
	"fields":             ",",
	"global":             ",",
	"variable":           ",name,type,validity,size,value,",
	"lookuptable":        ",name,exactentries,maskentries,validity,",
	"key":                ",name,type,size,mask,",
	"data":               ",name,type,size,",
	"alias":              ",name,value,",
	"assign-variable":    ",name,value,offset,size,",
	"assign-lookuptable": ",name,value,offset,size,",
	"update-lookuptable": ",name,action,validity,keeptime,hittime,newhittime,",
	"lookupkey":          ",value,mask,",
	"lookupdata":         ",value,",
	"exec":               ",expr,",
	"if":                 ",expr,",
	"if-true":            ",",
	"if-false":           ",",
	"missing-packetdata": ",",
	"switch":             ",expr,casesensitive,",
	"case":               ",value,maxvalue,show,",
	"default":            ",show,",
	"loop":               ",type,expr,",
	"loopctrl":           ",type,",
	"block":              ",name,longname,showsumtemplate,",
	"includeblk":         ",name,",
	"encapsulation":      ",",
	"nextproto":          ",proto,preferred,",
	"field":              ",type,name,longname,size,expr,mask,align,bigendian,showtemplate,plugin,endtoken,endregex,endoffset,enddiscard,begintoken,beginregex,beginoffset,onmissingbegin,onmissingend,pattern,onpartialmatch,baseadt,",
	"cfield":             ",type,name,longname,tsize,lsize,vexpr,sepregex,beginregex,endregex,onmissingbegin,onmissingend,encoding,pattern,size,bigendian,showtemplate,baseadt,",
	"subfield":           ",type,portion,name,longname,size,expr,mask,align,bigendian,showtemplate,plugin,endtoken,endregex,endoffset,enddiscard,begintoken,beginregex,beginoffset,onmissingbegin,onmissingend,pattern,onpartialmatch,baseadt,",
	"csubfield":          ",type,portion,name,longname,tsize,lsize,vexpr,sepregex,beginregex,endregex,onmissingbegin,onmissingend,encoding,pattern,size,bigendian,showtemplate,baseadt,",
	"map":                ",type,refname,namespace,hierarcy,attsview,",
	"adt":                ",name,",
	"adtfield":           ",adttype,name,longname,showtemplate,bigendian,",
	"replace":            ",nameref,name,longname,showtemplate,",
	"set":                ",",
	"choice":             ",",
	"fieldmatch":         ",match,recurring,",
	"default-item":       ",",
	"exit-when":          ",expr,",
	"visualization":      ",",
	"showtemplate":       ",name,showtype,digitsize,separator,nativefunction,plugin,",
	"showmap":            ",value,show,",
	"showsumtemplate":    ",name,",
	"showsumstruct":      ",",
	"sumsection":         ",name,",
	"section":            ",name,",
	"text":               ",value,when,",
	"protofield":         ",name,showdata,",
	"protohdr":           ",",
	"packethdr":          ",value,",
}
