/*
Package config decodes client settings files.

A settings file (YAML or JSON) is parsed into a Settings document. Decoding
is destination-driven: each call names a key and a pointer, and the
pointer is only written when the key is present. Wrong-typed values are
collected and reported together by Err, so a single pass over a file
surfaces every mistake in it.

	s, err := config.Load("capture.yaml")
	if err != nil {
	    return err
	}
	batching := true
	s.Bool("request_batching", &batching)
	s.Section("storage").String("path", &path)
	if err := s.Err(); err != nil {
	    return err // e.g. "storage.path: want string, got int"
	}

# Null versus absent

Decode methods treat an explicit null like a missing key. Settings that
give null its own meaning check IsNull first: a null
properties_string_max_length turns truncation off, while a missing key
keeps the default.

# Environment expansion

Load expands ${VAR} references before parsing so tokens can stay in the
environment rather than in the file.
*/
package config
