package utils

import "github.com/valyala/fasthttp"

// control responses describe live state and must never be cached
func noStore(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetContentType("application/json")
	noStore(ctx)
	ctx.SetBodyString(`{"error":"internal server error"}`)
}

func WriteJSON(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	body, err := Marshal(data)
	if err != nil {
		CreateErrorResponse(ctx)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	noStore(ctx)
	ctx.SetBody(body)
}

func WriteError(ctx *fasthttp.RequestCtx, status int, err error) {
	WriteJSON(ctx, status, map[string]string{"error": err.Error()})
}
