package server

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"peerlink/message"
)

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	reqType    = reflect.TypeOf((*message.Request)(nil))
	resultType = reflect.TypeOf(map[string]any(nil))
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

// methodHandler calls one reflected method on its receiver.
type methodHandler struct {
	rcvr reflect.Value
	fn   reflect.Value
}

func (m *methodHandler) Handle(ctx context.Context, req *message.Request) (map[string]any, error) {
	out := m.fn.Call([]reflect.Value{m.rcvr, reflect.ValueOf(ctx), reflect.ValueOf(req)})
	var err error
	if e := out[1].Interface(); e != nil {
		err = e.(error)
	}
	result, _ := out[0].Interface().(map[string]any)
	return result, err
}

// RegisterService registers every exported method of rcvr shaped like
//
//	func (ctx context.Context, req *message.Request) (map[string]any, error)
//
// under its snake_case name, so AnalyzeError answers "analyze_error". Methods
// with other signatures are skipped. It returns the registered method names.
func (s *Server) RegisterService(rcvr any) ([]string, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: service must be a pointer to a struct, got %v", typ)
	}
	val := reflect.ValueOf(rcvr)

	var names []string
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !isHandlerMethod(method.Type) {
			continue
		}
		name := snakeCase(method.Name)
		s.RegisterHandler(name, &methodHandler{rcvr: val, fn: method.Func})
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("server: %s has no handler methods", typ.Elem().Name())
	}
	return names, nil
}

// isHandlerMethod checks the signature including the receiver.
func isHandlerMethod(t reflect.Type) bool {
	return t.NumIn() == 3 && t.NumOut() == 2 &&
		t.In(1) == ctxType && t.In(2) == reqType &&
		t.Out(0) == resultType && t.Out(1) == errorType
}

// snakeCase turns GetCodeContext into get_code_context. Runs of capitals stay
// together: HTTPStatus becomes http_status.
func snakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prevLower := unicode.IsLower(runes[i-1])
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
