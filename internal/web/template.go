package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/pump-station/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"onOff": func(b bool) string {
		if b {
			return "ON"
		}
		return "OFF"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>Pump Station {{.Config.StationID}}</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.network { color: green; font-weight: bold; }
.local { color: orange; font-weight: bold; }
</style>
</head>
<body>
<h1>Pump Station {{.Config.StationID}} ({{.Config.Role}})</h1>

<h2>Control</h2>
<table>
<tr><th>Mode</th><td class="{{.Mode}}">{{.Mode}}</td></tr>
<tr><th>Mode since</th><td>{{.ModeSince.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Pump intent</th><td class="{{if .Intent.Run}}on{{else}}off{{end}}">{{.Intent}}</td></tr>
<tr><th>Last command</th><td>{{if .Sent}}{{.LastSent}}{{else}}none{{end}}</td></tr>
<tr><th>Controls pump</th><td>{{if .Config.ControlsPump}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Sensors</h2>
{{if .HasLocal}}<table>
<tr><th>Pressure</th><td class="{{if .Local.PressureOK}}on{{else}}off{{end}}">{{onOff .Local.PressureOK}}</td></tr>
<tr><th>Top float</th><td class="{{if .Local.TopLevel}}on{{else}}off{{end}}">{{onOff .Local.TopLevel}}</td></tr>
<tr><th>Bottom float</th><td class="{{if .Local.BottomLevel}}on{{else}}off{{end}}">{{onOff .Local.BottomLevel}}</td></tr>
<tr><th>Pump running</th><td class="{{if .Local.PumpRunning}}on{{else}}off{{end}}">{{onOff .Local.PumpRunning}}</td></tr>
<tr><th>Fault</th><td class="{{if .Local.Fault}}disconnected{{else}}off{{end}}">{{onOff .Local.Fault}}</td></tr>
<tr><th>Remote override</th><td>{{onOff .Local.RemoteOverride}}</td></tr>
<tr><th>Last frame</th><td>{{.LastFrame.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
</table>{{else}}<p class="unknown">No frame received yet</p>{{end}}

<h2>Peers</h2>
{{if .PeerViews}}<table>
<tr><th>Station</th><td>Status</td></tr>
{{range .PeerViews}}<tr><th>{{.ID}}{{if .Monitored}} (monitored){{end}}</th><td class="{{if .Stale}}disconnected{{else}}connected{{end}}">{{if not .Known}}offline{{else if .Stale}}stale ({{.Age}}){{else}}live ({{.Age}}){{end}} top={{onOff .Snapshot.TopLevel}} bottom={{onOff .Snapshot.BottomLevel}}{{if .Snapshot.Fault}} FAULT{{end}}</td></tr>
{{end}}</table>{{else}}<p class="unknown">No peers heard</p>{{end}}

<h2>Connectivity</h2>
<table>
<tr><th>Sensor link ({{.Display.Link}})</th><td class="{{if .LinkConnected}}connected{{else}}disconnected{{end}}">{{if .LinkConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>MQTT</th><td class="{{if .BusConnected}}connected{{else}}disconnected{{end}}">{{if .BusConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Display.Broker}}</td></tr>
</table>

<h2>Counts</h2>
<table>
<tr><th>Frames</th><td>{{.Counts.Frames}}</td></tr>
<tr><th>Peer messages</th><td>{{.Counts.PeerMessages}}</td></tr>
<tr><th>Mode changes</th><td>{{.Counts.ModeChanges}}</td></tr>
<tr><th>Commands</th><td>{{.Counts.Commands}}</td></tr>
<tr><th>Command failures</th><td>{{.Counts.CommandFailures}}</td></tr>
<tr><th>Recoveries</th><td>{{.Counts.Recoveries}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Stations</th><td>{{.Config.Stations}}</td></tr>
<tr><th>Liveness timeout</th><td>{{.Config.LivenessTimeout}}</td></tr>
<tr><th>Local pump interval</th><td>{{.Config.LocalPumpInterval}}</td></tr>
<tr><th>Tick</th><td>{{.Display.TickMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{.Display.HeartbeatMs}}ms</td></tr>
<tr><th>HTTP</th><td>{{.Display.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/events.json">Events</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() and PeerViews() methods; the template wants fields.
	data := struct {
		status.Snapshot
		Uptime    time.Duration
		PeerViews []status.PeerView
	}{
		Snapshot:  snap,
		Uptime:    snap.Uptime(),
		PeerViews: snap.PeerViews(),
	}
	return indexTmpl.Execute(w, data)
}
