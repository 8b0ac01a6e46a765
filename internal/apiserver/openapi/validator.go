// Package openapi 按内嵌的 OpenAPI 文档校验进入的 API 请求
package openapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	"appdeploy/api"
)

// Validator 请求校验器
type Validator struct {
	doc    *openapi3.T
	router routers.Router
}

// New 加载内嵌文档并构建路由
func New() (*Validator, error) {
	data, err := api.OpenAPIFS.ReadFile(api.DeploymentsDoc)
	if err != nil {
		return nil, fmt.Errorf("read openapi doc: %w", err)
	}
	return FromData(data)
}

// FromData 从原始 YAML/JSON 构建校验器
func FromData(data []byte) (*Validator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("load openapi doc: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi doc: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return &Validator{doc: doc, router: router}, nil
}

// Version 文档版本
func (v *Validator) Version() string {
	return v.doc.Info.Version
}

// Middleware 校验文档中声明的路由，未声明的路由直接放行
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			log.Printf("[OpenAPI] rejected %s %s: %v", r.Method, r.URL.Path, err)
			writeInvalid(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeInvalid(w http.ResponseWriter, err error) {
	msg := err.Error()
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		msg = reqErr.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{"status": false, "error": msg})
}
