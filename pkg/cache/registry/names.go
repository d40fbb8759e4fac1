package registry

var displayNames = map[string]string{
	"memcached":       "Memcached",
	"nginx_memcached": "Nginx + Memcached",
	"apc":             "APC",
	"apcu":            "APCu",
	"eaccelerator":    "EAccelerator",
	"redis":           "Redis",
	"xcache":          "XCache",
	"wincache":        "WinCache",
	"file_generic":    "Disk: Enhanced",
	"ftp":             "Self-hosted / file transfer protocol upload",
	"s3":              "Amazon Simple Storage Service (S3)",
	"s3_compatible":   "S3 compatible",
	"cf":              "Amazon CloudFront",
	"cf2":             "Amazon CloudFront",
	"cloudfront":      "Amazon CloudFront",
	"google_drive":    "Google Drive",
	"highwinds":       "Highwinds",
	"rscf":            "Rackspace Cloud Files",
	"azure":           "Microsoft Azure Storage",
	"edgecast":        "Media Template ProCDN / EdgeCast",
	"att":             "AT&T",
	"rackspace_cdn":   "Rackspace",
	"stackpath2":      "StackPath",
	"bunnycdn":        "Bunny CDN",
}

// EngineName returns the display name of a cache or CDN engine.
// Unknown engines are returned as is.
func EngineName(engine, module string) string {
	switch engine {
	case "":
		return "None"
	case "file":
		if module == "pgcache" {
			return "Disk: Basic"
		}
		return "Disk"
	}
	if name, ok := displayNames[engine]; ok {
		return name
	}
	return engine
}
