/*
Package ozhost runs web applications on local ports without a separate web server.

A Host binds a port, accepts connections and runs each request through a
pipeline: static files found below the host's physical root are served
directly, and everything else is handed to the application, an ordinary
http.Handler. Every connection carries exactly one request.

Hosts are usually run by Main, which takes care of daemon behavior on top:
JSON configuration, graceful shutdown and reload, leveled logging, access logs,
statsd metrics and a UNIX socket for controlling the process without stopping it.

The configuration file (which allows "//" comments) has this structure:

	{
	   "Hosts" : {
	       "hostname" : {
	           "Port" : 8080,
	           "PhysicalRoot" : "www",        // relative to the executable
	           "Application" : "appname"      // or { "/path/" : "appname", ... }
	       }
	   },
	   "Applications" : {
	      "appname" : {
	           "Type" : "apptype",
	           "Config" : { ... }
	       }
	   }
	}

Application types are made available either by being built in ("Redirect",
"Static"), registered from code with RegisterApplicationType or loaded from plugins.
*/
package ozhost
