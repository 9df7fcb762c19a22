// Copyright 2021 Optakt Labs OÜ
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package edge

import (
	"html/template"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/supervisor"
)

var dashboard = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>{{.EdgeID}}</title>
<style>
body { font-family: monospace; margin: 2em; background: #111; color: #ddd; }
h1 { font-size: 1.2em; }
table { border-collapse: collapse; margin-bottom: 1.5em; }
td, th { border: 1px solid #444; padding: 0.3em 0.8em; text-align: left; }
.ok { color: #6c6; }
.bad { color: #c66; }
pre { background: #1a1a1a; padding: 1em; }
</style>
</head>
<body>
<h1>{{.EdgeID}} &mdash; v{{.Version}} &mdash; up {{.Uptime}}</h1>
<table>
<tr><th>bridge role</th><th>state</th></tr>
{{range $role, $state := .Bridge}}
<tr><td>{{$role}}</td><td class="{{if eq $state "connected"}}ok{{else}}bad{{end}}">{{$state}}</td></tr>
{{end}}
</table>
<table>
<tr><th>plugin</th><th>version</th><th>state</th><th>restarts</th><th>last beat</th></tr>
{{range .Plugins}}
<tr>
<td>{{.Name}}</td>
<td>{{.Version}}</td>
<td class="{{if eq .State "running"}}ok{{else}}bad{{end}}">{{.State}}</td>
<td>{{.Restarts}}</td>
<td>{{if .LastBeat.IsZero}}never{{else}}{{.LastBeat.Format "15:04:05"}}{{end}}</td>
</tr>
{{end}}
</table>
<table>
<tr><th>rule</th><th>predicate</th><th>action</th></tr>
{{range .Rules}}
<tr><td>{{.Name}}</td><td>{{.If}}</td><td>{{.Then}}</td></tr>
{{end}}
</table>
<pre>{{.Stats}}</pre>
</body>
</html>
`))

type dashboardData struct {
	EdgeID  string
	Version string
	Uptime  time.Duration
	Bridge  map[string]string
	Plugins []supervisor.Record
	Rules   []xs.Rule
	Stats   string
}

// HealthView renders the HTML health dashboard.
func (c *Controller) HealthView(ctx echo.Context) error {

	data := dashboardData{
		EdgeID:  c.edgeID,
		Version: c.version,
		Uptime:  time.Since(c.started).Round(time.Second),
		Bridge:  c.bridge.States(),
		Plugins: c.plugins.Records(),
		Rules:   c.engine.Rules(),
		Stats:   marshalStats(c.bus.Stats()),
	}

	ctx.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	ctx.Response().WriteHeader(http.StatusOK)
	return dashboard.Execute(ctx.Response(), data)
}
