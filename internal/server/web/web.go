/*
 * Copyright 2025 Holger de Carne
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package web serves the embedded gate pages.
package web

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/tdrn-org/gated/httpserver"
	"github.com/tdrn-org/gated/internal/server"
)

//go:embed all:build/*
var docs embed.FS

const AppPath = "/app/"

// Pages returns the gate pages rooted at the build directory.
func Pages() fs.ReadDirFS {
	pages, err := fs.Sub(docs, "build")
	if err != nil {
		panic(fmt.Sprintf("unexpected web document structure: %s", err))
	}
	return pages.(fs.ReadDirFS)
}

// Mount registers the gate pages. The site access page is the only page
// served without a site access grant; the application page additionally
// requires a verified 2FA session.
func Mount(handler httpserver.Handler, siteGate *server.SiteAccessGate, twoFactorGate *server.TwoFactorGate) error {
	pages := Pages()
	csp := &httpserver.ContentSecurityPolicy{
		DefaultSrc: []string{"'none'"},
		ConnectSrc: []string{"'self'"},
		ImgSrc:     []string{"'self'", "data:"},
	}
	err := csp.AddHashes(pages)
	if err != nil {
		return err
	}
	files := httpserver.HeaderHandler(httpserver.HeaderHandler(http.FileServerFS(pages), csp.Header()), httpserver.NoStoreHeader)
	handler.Handle(server.SiteAccessPath, files)
	handler.Handle(server.AuthPath, siteGate.Handler(files))
	handler.Handle(server.SetupTwoFAPath, siteGate.Handler(files))
	handler.Handle(server.VerifyTwoFAPath, siteGate.Handler(files))
	handler.Handle(AppPath, siteGate.Handler(twoFactorGate.Handler(files)))
	handler.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, AppPath, http.StatusFound)
	})
	return nil
}
