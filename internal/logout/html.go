package logout

import "html/template"

type frontChannelData struct {
	Frames      []string
	RedirectURI string
}

type errorPageData struct {
	Error string
}

// frontChannelPage notifies front-channel clients through hidden iframes,
// then sends the browser on to the post-logout target. html/template
// escaping keeps registered URIs from breaking out of the attribute.
var frontChannelPage = template.Must(template.New("frontchannel").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Signing out</title>
<meta http-equiv="refresh" content="3;url={{.RedirectURI}}">
</head>
<body>
<p>Signing you out.</p>
{{range .Frames}}<iframe src="{{.}}" width="0" height="0" style="display:none"></iframe>
{{end}}<p><a href="{{.RedirectURI}}">Continue</a></p>
</body>
</html>
`))

// errorPage is the landing page for failed post-logout redirects. The
// session is already gone by the time this renders.
var errorPage = template.Must(template.New("logouterror").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Signed out</title>
</head>
<body>
<p>You have been signed out.</p>
<p>The application's return address could not be validated ({{.Error}}).</p>
</body>
</html>
`))
