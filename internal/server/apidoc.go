package server

import (
	_ "embed"
	"net/http"

	httpSwagger "github.com/swaggo/http-swagger/v2"
	"github.com/swaggo/swag"
)

// swaggerPrefix is where the dev-mode API browser is mounted.
const swaggerPrefix = "/swagger/"

//go:embed openapi.json
var openAPIDoc string

// apiDoc serves the embedded API description through swag's registry,
// which is where httpSwagger looks up doc.json.
type apiDoc struct{}

func (apiDoc) ReadDoc() string { return openAPIDoc }

func init() {
	swag.Register(swag.Name, apiDoc{})
}

// swaggerHandler returns the Swagger UI handler backed by the embedded doc.
func swaggerHandler() http.Handler {
	return httpSwagger.Handler(httpSwagger.URL(swaggerPrefix + "doc.json"))
}
