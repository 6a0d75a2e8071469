package handler

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed web/templates/*.html web/static/*
var webFS embed.FS

// staticHandler は埋め込み済みの静的ファイルを/static/配下で配信する。
func staticHandler() http.Handler {
	sub, err := fs.Sub(webFS, "web/static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServerFS(sub))
}
