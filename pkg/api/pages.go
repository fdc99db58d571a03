package api

import "fmt"

// monitorPage renders the live job monitor. The job id is validated by the
// caller before interpolation.
func monitorPage(jobID string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <title>Job %[1]s</title>
  <style>
    body { font-family: monospace; margin: 2em; background: #1e1e1e; color: #ddd; }
    #bar { width: 100%%; background: #333; height: 1.5em; border-radius: 4px; }
    #fill { height: 100%%; background: #4caf50; width: 0%%; border-radius: 4px; transition: width 0.3s; }
    #log { margin-top: 1em; white-space: pre-wrap; }
    .failed #fill { background: #e53935; }
  </style>
</head>
<body>
  <h2>Job %[1]s</h2>
  <div id="bar"><div id="fill"></div></div>
  <p id="status">connecting...</p>
  <div id="log"></div>
  <script>
    const ws = new WebSocket("ws://" + location.host + "/ws/progress/%[1]s");
    ws.onmessage = (ev) => {
      const p = JSON.parse(ev.data);
      if (p.type === "echo") return;
      document.getElementById("fill").style.width = (p.overall_progress || 0) + "%%";
      document.getElementById("status").textContent =
        p.status + " | " + (p.current_stage || "-") + " | " + (p.message || "");
      if (p.status === "failed") document.body.classList.add("failed");
      document.getElementById("log").textContent += JSON.stringify(p) + "\n";
    };
    ws.onclose = (ev) => {
      document.getElementById("status").textContent += " [closed " + ev.code + "]";
    };
  </script>
</body>
</html>`, jobID)
}

// testPage renders a minimal interactive WebSocket harness.
func testPage() string {
	return `<!DOCTYPE html>
<html>
<head><title>WebSocket Test</title></head>
<body>
  <h2>Progress WebSocket Test</h2>
  <input id="job" placeholder="job id" value="test-job">
  <button onclick="connect()">Connect</button>
  <input id="msg" placeholder="message">
  <button onclick="send()">Send</button>
  <pre id="out"></pre>
  <script>
    let ws;
    function log(s) { document.getElementById("out").textContent += s + "\n"; }
    function connect() {
      const job = document.getElementById("job").value;
      ws = new WebSocket("ws://" + location.host + "/ws/progress/" + job);
      ws.onopen = () => log("open");
      ws.onmessage = (ev) => log("recv: " + ev.data);
      ws.onclose = (ev) => log("close: " + ev.code + " " + ev.reason);
    }
    function send() {
      if (ws) ws.send(document.getElementById("msg").value);
    }
  </script>
</body>
</html>`
}
