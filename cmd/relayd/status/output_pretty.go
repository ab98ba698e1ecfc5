/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package status

import (
	"fmt"
	"io"
	"text/template"

	"github.com/muesli/termenv"

	"github.com/pixelrisewebco/relayd/server"
)

const prettyTemplate = `
{{- WithSigningForground (Bold "relay")}}: {{WithSigningForground (or .Hostname "not set")}}
  {{Bold "dagent"}}: {{.DAgentListenAddress}}
  {{Bold "http"}}: {{.HTTPListenAddress}}
  {{Bold "dkim policy"}}: {{.DKIMPolicy}}
  {{Bold "domains"}}:
    {{- if .Domains}}{{- range .Domains}}
    - {{.}}
    {{- end}}
    {{- else}}
    - none
    {{- end}}
  {{- if .Smarthost}}
  {{Bold "smarthost"}}: {{.Smarthost}}
  {{- end}}

{{WithCounterColor (Bold "deliveries")}}: {{WithCounterColor (printf "%d" .Attempted)}}
  {{Bold "succeeded"}}: {{.Delivered}}
  {{Bold "failed"}}: {{.Failed}}
  {{- if .StartedAt}}
  {{Bold "since"}}: {{.StartedAt}}
  {{- end}}
`

func templateFuncs(p termenv.Profile, status *server.Status) template.FuncMap {
	// Define some colors.
	okColor := p.Color("112")
	nokColor := p.Color("196")
	counterColor := p.Color("214")

	// Subset of the helpers in termenv, so we have better control and can turn
	// of all formatting of the terminal supports ASCII only.
	return template.FuncMap{
		"Bold": func(values ...interface{}) string {
			if p == termenv.Ascii {
				// Do not do any bold, if terminal only supports ASCII.
				return values[0].(string)
			}
			s := termenv.String(values[0].(string))
			return s.Bold().String()
		},
		"WithSigningForground": func(values ...interface{}) string {
			s := termenv.String(fmt.Sprintf("%v", values[len(values)-1]))
			if len(status.Domains) > 0 {
				s = s.Foreground(okColor)
			} else {
				s = s.Foreground(nokColor)
			}
			return s.String()
		},
		"WithCounterColor": func(values ...interface{}) string {
			s := termenv.String(fmt.Sprintf("%v", values[len(values)-1])).Foreground(counterColor)
			return s.String()
		},
	}
}

func outputPretty(w io.Writer, status *server.Status) error {
	// Load helpers and template.
	f := templateFuncs(termenv.ColorProfile(), status)
	tpl, err := template.New("tpl").Funcs(f).Parse(prettyTemplate)
	if err != nil {
		panic(err)
	}

	// Render.
	return tpl.Execute(w, status)
}
