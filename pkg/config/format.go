package config

// FormatHelp returns a description of the configuration file format,
// printed by the --conf-format flag.
func FormatHelp() string {
	return `The configuration for the backup program is stored in a JSON file.
The file is versioned. This version of the program uses version 2.0 of
the configuration file and is compatible with any other 2.x version.

Version 2.0 supports the backup of local and remote directory trees to
a local backup directory.

A sample version 2.0 configuration file looks as follows:

    {
       "version": "2.0",
       "backup-dir": "/path/to/backup/dir",
       "backup-sets": [
          {
             "set-name": "set_1",
             "type": "local dir",
             "source-dir": "/path/to/source_1",
             "skip-entries": [
                "entry_1",
                "entry_2",
                "entry_3"
             ]
          },
          {
             "set-name": "set_2",
             "type": "local dir",
             "source-dir": "/path/to/source_2"
          },
          {
             "set-name": "set_3",
             "type": "remote dir",
             "remote-shell": "ssh -l user",
             "remote-host": "server_name",
             "source-dir": "/path/to/source_3"
          }
       ]
    }

The configuration is contained in a single, unnamed JSON object with
the following name/value pairs:
- version          : The string "2.0".
- backup-dir       : The base directory where the backups go. This
                     directory must exist prior to running the program.
- max-parallel-sets: (optional) How many backup sets may be processed
                     concurrently. Defaults to 1 (sequential).
- backup-sets      : An array of backup sets.

The backup sets are objects with the following name/value pairs:
- set-name    : A string identifying the backup set. The set name is
                used to create a subdirectory in backup-dir.
- type        : The type of backup, either 'local dir' or 'remote dir'.
- remote-shell: (only when type is 'remote dir') The remote shell used
                to connect to the remote host, including its options.
- remote-host : (only when type is 'remote dir') The remote host to
                connect to, optionally as <user>@<host>.
- source-dir  : The absolute path of the directory to back up.
- skip-entries: (optional) An array of directory and file names to skip
                during backup.

Each backup set is backed up to backup-dir/<timestamp>/<set-name>,
where the timestamp is fixed the moment the program starts. Directories
and files in skip-entries are excluded from the backup, independent
from where they appear below the source directory.`
}
