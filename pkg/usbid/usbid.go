package usbid

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// DefaultPaths lists the usual locations of usb.ids, in search order.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database maps vendor and product IDs to names.
type Database struct {
	vendors  map[uint16]string
	products map[uint32]string // vid<<16 | pid
}

// Load parses the first of paths that exists on fsys (DefaultPaths when
// none are given) and returns the path it used.
func Load(fsys afero.Fs, paths ...string) (*Database, string, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, path := range paths {
		f, err := fsys.Open(path)
		if err != nil {
			continue
		}
		db, err := Parse(f)
		f.Close()
		if err != nil {
			return nil, path, fmt.Errorf("usbid: %s: %w", path, err)
		}
		return db, path, nil
	}
	return nil, "", fmt.Errorf("usbid: %w: searched %s",
		fs.ErrNotExist, strings.Join(paths, ", "))
}

// Parse reads the usb.ids format: a vendor line is "vvvv  name", each
// product line under it is "\tpppp  name". Interface lines (two tabs) and
// the class sections that follow the vendor list are skipped.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}

	var vid uint16
	inVendor := false
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if strings.HasPrefix(line, "\t\t") {
			continue
		}
		if line[0] == '\t' {
			if !inVendor {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.products[uint32(vid)<<16|uint32(id)] = name
			}
			continue
		}
		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vid = id
			db.vendors[vid] = name
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// entry splits "xxxx  name" into its hex ID and name.
func entry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(s[5:])
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Vendor returns the name of vid, or "".
func (db *Database) Vendor(vid uint16) string {
	if db == nil {
		return ""
	}
	return db.vendors[vid]
}

// Product returns the name of pid under vid, or "".
func (db *Database) Product(vid, pid uint16) string {
	if db == nil {
		return ""
	}
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Describe returns "vendor product" for a device, falling back to the hex
// IDs for names the database does not have.
func (db *Database) Describe(vid, pid uint16) string {
	vendor := db.Vendor(vid)
	if vendor == "" {
		vendor = fmt.Sprintf("%04x", vid)
	}
	product := db.Product(vid, pid)
	if product == "" {
		product = fmt.Sprintf("%04x", pid)
	}
	return vendor + " " + product
}

// Len returns the number of vendors and products loaded.
func (db *Database) Len() (vendors, products int) {
	if db == nil {
		return 0, 0
	}
	return len(db.vendors), len(db.products)
}
