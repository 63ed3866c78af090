package httpapi

import (
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>DeskMigrate Control Surface</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }

    .bar, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: 1.4rem; letter-spacing: 0.02em; }
    h2 { margin: 0 0 8px; font-size: 1rem; color: var(--muted); text-transform: uppercase; }

    table { width: 100%; border-collapse: collapse; }
    th, td { text-align: left; padding: 6px 10px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 600; }
    td.num { font-variant-numeric: tabular-nums; text-align: right; }

    .note { color: var(--muted); font-size: 0.85rem; }
    #feed { font-family: monospace; font-size: 0.8rem; max-height: 240px; overflow-y: auto; white-space: pre-wrap; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>DeskMigrate Control Surface</h1>
      <p class="note">Paste a token with the migrate:read scope to load status and live progress.</p>
      <input id="token" type="password" placeholder="bearer token" style="width: 60%" />
      <button onclick="loadStatus()">Load</button>
    </div>
    <div class="card">
      <h2>Staged records</h2>
      <table>
        <thead><tr><th>Kind</th><th class="num">Staged</th><th class="num">Sent</th></tr></thead>
        <tbody id="counts"></tbody>
      </table>
      <p class="note" id="queue"></p>
    </div>
    <div class="card">
      <h2>Live progress</h2>
      <div id="feed"></div>
    </div>
  </div>
  <script>
    async function loadStatus() {
      const token = document.getElementById('token').value.trim();
      const resp = await fetch('/v1/status', { headers: { 'Authorization': 'Bearer ' + token } });
      if (!resp.ok) {
        document.getElementById('queue').textContent = 'status request failed: ' + resp.status;
        return;
      }
      const report = await resp.json();
      const rows = [];
      for (const kind of report.kinds) {
        const entry = (report.counts || {})[kind] || { staged: 0, sent: 0 };
        rows.push('<tr><td>' + kind + '</td><td class="num">' + entry.staged + '</td><td class="num">' + entry.sent + '</td></tr>');
      }
      document.getElementById('counts').innerHTML = rows.join('');
      document.getElementById('queue').textContent = 'upload queue depth: ' + report.queueDepth;
      openFeed(token);
    }

    let socket;
    function openFeed(token) {
      if (socket) socket.close();
      const scheme = location.protocol === 'https:' ? 'wss' : 'ws';
      socket = new WebSocket(scheme + '://' + location.host + '/v1/progress?token=' + encodeURIComponent(token));
      socket.onmessage = (msg) => {
        const feed = document.getElementById('feed');
        feed.textContent = msg.data + '\n' + feed.textContent;
      };
    }
  </script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(dashboardHTML))
}
