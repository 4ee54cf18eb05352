package httpd

import (
	"bytes"
	"html/template"
)

const welcomePage = "<html><head><title>Welcome</title></head><body><h1>Welcome</h1></body></html>"

var adminLogin = template.Must(template.New("admin").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Admin Login</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 50px; background: #f0f0f0; }
        .login-box {
            max-width: 400px;
            margin: 100px auto;
            background: white;
            padding: 30px;
            border-radius: 5px;
            box-shadow: 0 0 10px rgba(0,0,0,0.1);
        }
        h2 { color: #333; }
        input { width: 100%; padding: 10px; margin: 10px 0; border: 1px solid #ddd; }
        button { width: 100%; padding: 10px; background: #007bff; color: white; border: none; cursor: pointer; }
        button:hover { background: #0056b3; }
        .error { color: red; margin-top: 10px; }
    </style>
</head>
<body>
    <div class="login-box">
        <h2>Administrator Login</h2>
        <form method="POST" action="{{ .Action }}">
            <input type="text" name="username" placeholder="Username" required>
            <input type="password" name="password" placeholder="Password" required>
            <button type="submit">Login</button>
        </form>
        {{ if .Error }}<div class="error">{{ .Error }}</div>{{ end }}
    </div>
</body>
</html>
`))

func renderAdminLogin(action, errMsg string) []byte {
	var buf bytes.Buffer
	if err := adminLogin.Execute(&buf, struct{ Action, Error string }{action, errMsg}); err != nil {
		return []byte(welcomePage)
	}
	return buf.Bytes()
}
