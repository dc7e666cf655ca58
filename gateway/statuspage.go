package gateway

// statusPageHTML is the operator status page. It subscribes to the SSE
// endpoint relative to its own URL and renders the snapshot client-side.
const statusPageHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>tsgate status</title>
<style>
body { font-family: monospace; margin: 1.5em; background: #111; color: #ddd; }
h1 { font-size: 1.2em; }
table { border-collapse: collapse; margin-bottom: 1.5em; width: 100%; }
th, td { border: 1px solid #444; padding: 0.3em 0.6em; text-align: left; }
th { background: #222; }
.slow { color: #f66; }
#logs { white-space: pre-wrap; font-size: 0.85em; color: #999; }
</style>
</head>
<body>
<h1>tsgate status</h1>
<table id="clients">
<thead><tr><th>#</th><th>worker</th><th>client</th><th>url</th><th>state</th>
<th>bytes</th><th>bw</th><th>queued</th><th>limit</th><th>drops</th><th></th></tr></thead>
<tbody></tbody>
</table>
<table id="workers">
<thead><tr><th>worker</th><th>sends</th><th>completions</th><th>eagain</th>
<th>pool</th><th>free</th></tr></thead>
<tbody></tbody>
</table>
<div id="logs"></div>
<script>
function fmtBytes(n) {
  if (n > 1048576) return (n / 1048576).toFixed(1) + "M";
  if (n > 1024) return (n / 1024).toFixed(1) + "K";
  return n;
}
function disconnect(i) {
  fetch(location.pathname + "/api/disconnect?index=" + i, {method: "POST"});
}
var es = new EventSource(location.pathname.replace(/\/$/, "") + "/sse");
es.onmessage = function (ev) {
  var s = JSON.parse(ev.data);
  var rows = "";
  (s.clients || []).forEach(function (c) {
    rows += "<tr" + (c.slow ? " class=slow" : "") + "><td>" + c.index +
      "</td><td>" + c.worker + "</td><td>" + c.addr + "</td><td>" + c.url +
      "</td><td>" + c.state + "</td><td>" + fmtBytes(c.bytes_sent) +
      "</td><td>" + fmtBytes(c.bandwidth) + "/s</td><td>" + fmtBytes(c.queue_bytes) +
      "</td><td>" + fmtBytes(c.queue_limit) + "</td><td>" + c.dropped_packets +
      "</td><td><button onclick=disconnect(" + c.index + ")>kick</button></td></tr>";
  });
  document.querySelector("#clients tbody").innerHTML = rows;
  rows = "";
  (s.workers || []).forEach(function (w) {
    rows += "<tr><td>" + w.index + "</td><td>" + w.sends + "</td><td>" +
      w.completions + "</td><td>" + w.eagain + "</td><td>" + w.pool_total +
      "</td><td>" + w.pool_free + "</td></tr>";
  });
  document.querySelector("#workers tbody").innerHTML = rows;
  var logs = "";
  (s.logs || []).forEach(function (l) {
    logs += new Date(l.ts).toISOString() + " [" + l.level + "] " + l.msg + "\n";
  });
  document.getElementById("logs").textContent = logs;
};
</script>
</body>
</html>
`
